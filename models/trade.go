package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeStatus is the trade state machine's current state.
type TradeStatus string

const (
	TradeCreated   TradeStatus = "CREATED"
	TradePending   TradeStatus = "PENDING"
	TradeOpen      TradeStatus = "OPEN"
	TradeExiting   TradeStatus = "EXITING"
	TradeClosed    TradeStatus = "CLOSED"
	TradeRejected  TradeStatus = "REJECTED"
	TradeCancelled TradeStatus = "CANCELLED"
	TradeError     TradeStatus = "ERROR"
)

// Terminal reports whether status is an absorbing state: once reached, no
// further transition is valid.
func (s TradeStatus) Terminal() bool {
	switch s {
	case TradeClosed, TradeRejected, TradeCancelled, TradeError:
		return true
	default:
		return false
	}
}

// ExitTrigger records what caused a trade's exit, mirroring ExitReason but
// kept distinct since a trade can also close via CANCELLED/ERROR paths that
// never raised an ExitIntent.
type ExitTrigger string

// Trade is the tracked position. It is the only entity TradeManagementService
// writes; every mutation bumps Version. ClientOrderID equals the originating
// TradeIntent's IntentID and is the idempotency key enforced by a unique
// store constraint.
type Trade struct {
	TradeID       string `db:"trade_id"`
	ClientOrderID string `db:"client_order_id"`

	Symbol    string      `db:"symbol"`
	Direction Direction   `db:"direction"`
	Status    TradeStatus `db:"status"`

	EntryPrice     decimal.Decimal `db:"entry_price"`
	EntryQty       decimal.Decimal `db:"entry_qty"`
	EntryValue     decimal.Decimal `db:"entry_value"`
	EntryTimestamp *time.Time      `db:"entry_timestamp"`

	// MTF snapshot at entry, copied from the originating Signal.
	EntryHTFLow      decimal.Decimal `db:"entry_htf_low"`
	EntryHTFHigh     decimal.Decimal `db:"entry_htf_high"`
	EntryITFLow      decimal.Decimal `db:"entry_itf_low"`
	EntryITFHigh     decimal.Decimal `db:"entry_itf_high"`
	EntryLTFLow      decimal.Decimal `db:"entry_ltf_low"`
	EntryLTFHigh     decimal.Decimal `db:"entry_ltf_high"`
	ExitPrimaryPrice decimal.Decimal `db:"exit_primary_price"`
	EffectiveFloor   decimal.Decimal `db:"effective_floor"`

	TrailingActive       bool            `db:"trailing_active"`
	TrailingHighestPrice decimal.Decimal `db:"trailing_highest_price"`
	TrailingStopPrice    decimal.Decimal `db:"trailing_stop_price"`

	ExitPrice     decimal.Decimal `db:"exit_price"`
	ExitTimestamp *time.Time      `db:"exit_timestamp"`
	ExitTrigger   ExitTrigger     `db:"exit_trigger"`
	ExitOrderID   string          `db:"exit_order_id"`

	RealizedPnl       decimal.Decimal `db:"realized_pnl"`
	RealizedLogReturn decimal.Decimal `db:"realized_log_return"`
	HoldingDays       decimal.Decimal `db:"holding_days"`

	BrokerOrderID      string    `db:"broker_order_id"`
	LastBrokerUpdateAt time.Time `db:"last_broker_update_at"`

	UserID       string `db:"user_id"`
	UserBrokerID string `db:"user_broker_id"`
	SignalID     string `db:"signal_id"`

	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt time.Time  `db:"updated_at"`
	DeletedAt *time.Time `db:"deleted_at"`
	Version   int64      `db:"version"`
}

// IsShort reports whether the trade's direction mirrors SELL-side exit
// comparisons (exit evaluator price checks flip for short trades).
func (t *Trade) IsShort() bool {
	return t.Direction == Sell
}
