package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderType is the broker order type requested for entry or exit.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeSL     OrderType = "SL"
	OrderTypeSLM    OrderType = "SL-M"
)

// TradeIntent is a proposed trade produced by the (out-of-scope) strategy
// and risk layers. It is immutable to the core: the core only reads it to
// place an entry order.
type TradeIntent struct {
	IntentID         string
	UserID           string
	BrokerID         string
	UserBrokerID     string
	SignalID         string
	Symbol           string
	Direction        Direction
	OrderType        OrderType
	ProductType      string
	CalculatedQty    decimal.Decimal
	LimitPrice       decimal.Decimal
	ValidationPassed bool
}

// ExitReason identifies why an exit intent was raised.
type ExitReason string

const (
	ExitTargetHit  ExitReason = "TARGET_HIT"
	ExitStopLoss   ExitReason = "STOP_LOSS"
	ExitTimeBased  ExitReason = "TIME_BASED"
	ExitManual     ExitReason = "MANUAL"
)

// ExitIntentStatus is the lifecycle state of an ExitIntent row.
type ExitIntentStatus string

const (
	ExitIntentApproved  ExitIntentStatus = "APPROVED"
	ExitIntentPlaced    ExitIntentStatus = "PLACED"
	ExitIntentFilled    ExitIntentStatus = "FILLED"
	ExitIntentFailed    ExitIntentStatus = "FAILED"
	ExitIntentCancelled ExitIntentStatus = "CANCELLED"
)

// PendingBrokerOrderIDPrefix marks a placeholder brokerOrderId written during
// the APPROVED->PLACED CAS, before the broker-assigned id is known.
const PendingBrokerOrderIDPrefix = "PENDING_"

// ExitIntent is a proposed exit for an already-open trade.
//
// Transitions: APPROVED -> PLACED -> {FILLED | FAILED | CANCELLED}.
// BrokerOrderID is first set to a PENDING_<wallTime> placeholder during the
// APPROVED->PLACED transition (a CAS on ExitIntentID and status=APPROVED),
// then overwritten with the broker-assigned id once returned.
type ExitIntent struct {
	ExitIntentID  string           `db:"exit_intent_id"`
	TradeID       string           `db:"trade_id"`
	UserBrokerID  string           `db:"user_broker_id"`
	ExitReason    ExitReason       `db:"exit_reason"`
	OrderType     OrderType        `db:"order_type"`
	ProductType   string           `db:"product_type"`
	CalculatedQty decimal.Decimal  `db:"calculated_qty"`
	LimitPrice    decimal.Decimal  `db:"limit_price"`
	Status        ExitIntentStatus `db:"status"`
	BrokerOrderID string           `db:"broker_order_id"`
	PlacedAt      *time.Time       `db:"placed_at"`
	FailureCode   string           `db:"failure_code"`
	FailureMsg    string           `db:"failure_message"`
	CreatedAt     time.Time        `db:"created_at"`
	UpdatedAt     time.Time        `db:"updated_at"`
	Version       int64            `db:"version"`
}
