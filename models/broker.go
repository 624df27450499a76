package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BrokerOrderState is the broker's own status vocabulary, normalized by
// BrokerStatusClass below.
type BrokerOrderState string

const (
	BrokerStateComplete       BrokerOrderState = "COMPLETE"
	BrokerStateFilled         BrokerOrderState = "FILLED"
	BrokerStateRejected       BrokerOrderState = "REJECTED"
	BrokerStateCancelled      BrokerOrderState = "CANCELLED"
	BrokerStateOpen           BrokerOrderState = "OPEN"
	BrokerStatePending        BrokerOrderState = "PENDING"
	BrokerStateTriggerPending BrokerOrderState = "TRIGGER PENDING"
)

// StatusClass is the normalized bucket a BrokerOrderState maps to.
type StatusClass int

const (
	StatusNonTerminal StatusClass = iota
	StatusTerminalFill
	StatusTerminalFail
)

// Classify maps a broker's raw status string onto the three-way contract
// §3 defines: terminal-fill, terminal-fail, or non-terminal.
func Classify(state BrokerOrderState) StatusClass {
	switch state {
	case BrokerStateComplete, BrokerStateFilled:
		return StatusTerminalFill
	case BrokerStateRejected, BrokerStateCancelled:
		return StatusTerminalFail
	default:
		return StatusNonTerminal
	}
}

// BrokerOrderStatus is the broker's authoritative view of one order, as
// returned by getOrderStatus / polled in reconciliation.
type BrokerOrderStatus struct {
	OrderID         string
	ExchangeOrderID string
	Status          BrokerOrderState
	AveragePrice    decimal.Decimal
	FilledQuantity  decimal.Decimal
	StatusMessage   string
}

// OrderRequest is what TradeManagementService / ExitOrderExecution submit to
// a BrokerAdapter to place an order.
type OrderRequest struct {
	Symbol        string
	Direction     Direction
	OrderType     OrderType
	ProductType   string
	Quantity      decimal.Decimal
	LimitPrice    decimal.Decimal
	ClientOrderID string
}

// OrderResult is the broker's synchronous response to placeOrder/modifyOrder.
type OrderResult struct {
	Success      bool
	OrderID      string
	ErrorCode    string
	ErrorMessage string
}

// ConnectionResult is the broker's synchronous response to connect().
type ConnectionResult struct {
	Success      bool
	SessionToken string
	ErrorCode    string
	Message      string
}

// Instrument is one entry of the broker's tradable-instrument master.
type Instrument struct {
	Token      string
	Symbol     string
	Exchange   string
	LotSize    int
	TickSize   decimal.Decimal
}

// Position is the broker's view of a held quantity for one symbol.
type Position struct {
	Symbol       string
	Quantity     decimal.Decimal
	AveragePrice decimal.Decimal
}

// Holding is a broker long-term holding (as distinct from an intraday
// Position), mirrored from the broker contract the core consumes read-only.
type Holding struct {
	Symbol   string
	Quantity decimal.Decimal
}

// Funds is the broker's available-margin/cash snapshot.
type Funds struct {
	Cash        decimal.Decimal
	BuyingPower decimal.Decimal
	UpdatedAt   time.Time
}
