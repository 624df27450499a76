package models

import "github.com/shopspring/decimal"

// Direction is the side of a signal, trade, or order.
type Direction string

const (
	// Buy is a long-side direction.
	Buy Direction = "BUY"
	// Sell is a short-side direction.
	Sell Direction = "SELL"
)

// Signal is produced by the external strategy layer and is read-only to the
// core. Only the fields the trade-lifecycle subsystem consumes are modeled
// here.
type Signal struct {
	SignalID  string    `db:"signal_id"`
	Symbol    string    `db:"symbol"`
	Direction Direction `db:"direction"`

	HTFLow  decimal.Decimal `db:"htf_low"`
	HTFHigh decimal.Decimal `db:"htf_high"`
	ITFLow  decimal.Decimal `db:"itf_low"`
	ITFHigh decimal.Decimal `db:"itf_high"`
	LTFLow  decimal.Decimal `db:"ltf_low"`
	LTFHigh decimal.Decimal `db:"ltf_high"`

	EffectiveFloor   decimal.Decimal `db:"effective_floor"`
	EffectiveCeiling decimal.Decimal `db:"effective_ceiling"`

	ConfluenceScore decimal.Decimal `db:"confluence_score"`
	ConfluenceType  string          `db:"confluence_type"`
}
