package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle is a single OHLCV bucket for one symbol and timeframe.
//
// Invariants: Low <= Open, Low <= Close, Open <= High, Close <= High, Low <=
// High, Volume >= 0, and Timestamp is aligned to the timeframe's bucket
// start. The primary key is {Symbol, Timeframe, Timestamp}; re-upserting the
// same key overwrites the OHLCV fields.
type Candle struct {
	Symbol    string          `json:"symbol" db:"symbol"`
	Timeframe Timeframe       `json:"timeframe" db:"timeframe"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
	Open      decimal.Decimal `json:"open" db:"open"`
	High      decimal.Decimal `json:"high" db:"high"`
	Low       decimal.Decimal `json:"low" db:"low"`
	Close     decimal.Decimal `json:"close" db:"close"`
	Volume    uint64          `json:"volume" db:"volume"`
}

// Valid reports whether the candle satisfies the OHLC ordering invariant and
// carries a non-negative volume. It does not check timestamp alignment,
// which is the caller's responsibility (SessionClock owns bucket math).
func (c Candle) Valid() bool {
	if c.Low.GreaterThan(c.Open) || c.Low.GreaterThan(c.Close) {
		return false
	}
	if c.Open.GreaterThan(c.High) || c.Close.GreaterThan(c.High) {
		return false
	}
	if c.Low.GreaterThan(c.High) {
		return false
	}
	return true
}

// Tick is a single trade print delivered by a broker feed.
type Tick struct {
	Symbol            string
	LastPrice         decimal.Decimal
	Volume            uint64
	ExchangeTimestamp time.Time
}
