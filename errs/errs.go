// Package errs defines the error-kind taxonomy shared across the trading
// engine. Kinds are sentinel values checked with errors.Is; callers wrap them
// with fmt.Errorf("...: %w", Kind) to attach context, matching the wrapping
// idiom used throughout the data package's repository implementations.
package errs

import "errors"

// Kind is a sentinel representing one error category from the engine's
// error taxonomy. Kinds are compared with errors.Is, never by type assertion.
type Kind error

var (
	// TransientBroker covers network errors, 5xx, 429, and WS close frames.
	// Always retried with backoff; never surfaced as a terminal trade state.
	TransientBroker Kind = errors.New("transient broker error")

	// AuthFailed covers 401/403 from a broker. Halts order placement for
	// that adapter until a token reload occurs.
	AuthFailed Kind = errors.New("broker authentication failed")

	// ContractViolation covers an unknown status string, unparseable
	// payload, or missing required field from a broker response.
	ContractViolation Kind = errors.New("broker contract violation")

	// Timeout marks a PENDING/PLACED row that exceeded its wall-clock
	// timeout.
	Timeout Kind = errors.New("operation timed out")

	// BrokerRejected marks an explicit reject response from a broker.
	BrokerRejected Kind = errors.New("broker rejected order")

	// TradingDisabled is returned when TRADING_ENABLED=false blocks an
	// order placement.
	TradingDisabled Kind = errors.New("trading is disabled")

	// ReadOnly is returned when a stale feed has put the adapter into
	// READ-ONLY mode, refusing order placement.
	ReadOnly Kind = errors.New("adapter is in read-only mode")

	// NotFound marks a referenced trade, intent, or signal that is missing.
	NotFound Kind = errors.New("not found")
)
