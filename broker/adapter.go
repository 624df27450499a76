// Package broker defines the uniform contract the trade-lifecycle core
// consumes to talk to an external broker: order placement, position/fund
// queries, historical candles, and a live tick feed over WebSocket with
// reconnect and stale-feed detection.
package broker

import (
	"context"
	"time"

	"github.com/alexherrero/sherwood/models"
	"github.com/shopspring/decimal"
)

// TickListener receives ticks delivered by a subscribed feed.
type TickListener func(ctx context.Context, t models.Tick)

// Adapter is the contract every broker backend implements. The core depends
// only on this interface, never on a concrete backend.
type Adapter interface {
	Connect(ctx context.Context, credentials Credentials) (models.ConnectionResult, error)
	Disconnect() error

	// IsConnected reports connected AND NOT stale (no tick observed for
	// StaleFeedThreshold).
	IsConnected() bool
	// CanPlaceOrders reports IsConnected() AND WS state == Connected. This
	// is the READ-ONLY gate live order placement must pass.
	CanPlaceOrders() bool

	PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error)
	ModifyOrder(ctx context.Context, orderID string, req models.OrderRequest) (models.OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) (models.OrderResult, error)
	GetOrderStatus(ctx context.Context, orderID string) (models.BrokerOrderStatus, error)
	GetOpenOrders(ctx context.Context) ([]models.BrokerOrderStatus, error)
	GetPositions(ctx context.Context) ([]models.Position, error)
	GetHoldings(ctx context.Context) ([]models.Holding, error)
	GetFunds(ctx context.Context) (models.Funds, error)
	GetLTP(ctx context.Context, symbol string) (decimal.Decimal, error)

	// GetHistoricalCandles returns candles for [from, to]. If the broker has
	// no native support for tf, the implementation fetches the nearest
	// supported base timeframe and aggregates with the same rule the
	// candle package's Aggregator uses, discarding any trailing partial
	// bucket.
	GetHistoricalCandles(ctx context.Context, symbol string, tf models.Timeframe, from, to time.Time) ([]models.Candle, error)

	SubscribeTicks(ctx context.Context, symbols []string, listener TickListener) error
	UnsubscribeTicks(ctx context.Context, symbols []string) error
	GetInstruments(ctx context.Context) ([]models.Instrument, error)

	// ReloadToken swaps the in-memory token, closes the current WS, resets
	// failure counters and schedules an immediate reconnect that
	// re-subscribes to every currently registered symbol.
	ReloadToken(ctx context.Context, newToken, sessionID string) error

	// OnReconnect registers a callback fired every time the live feed
	// re-establishes a connection after having been connected before (not
	// the adapter's first connect). Backends with no reconnecting feed
	// (e.g. PaperAdapter) accept the callback but never invoke it.
	OnReconnect(fn func())
}

// Credentials is what Connect validates against the broker's profile
// endpoint.
type Credentials struct {
	APIKey      string
	AccessToken string
	UserID      string
}

// ConnState is the WebSocket connection state machine's states.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	ReconnectRequired
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case ReconnectRequired:
		return "RECONNECT_REQUIRED"
	default:
		return "UNKNOWN"
	}
}

// StaleFeedThreshold is the maximum silence from the tick feed before
// IsConnected() reports stale, per the broker adapter's safety gate.
const StaleFeedThreshold = 5 * time.Minute

// CircuitBreakerThreshold is the consecutive-failure count after which the
// reconnect loop pauses for CircuitBreakerPause instead of retrying.
const CircuitBreakerThreshold = 10

// CircuitBreakerPause is how long the reconnect loop backs off once
// CircuitBreakerThreshold consecutive failures have been observed.
const CircuitBreakerPause = 5 * time.Minute
