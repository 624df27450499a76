// Package store defines the repository contracts the trade-lifecycle core
// consumes. Implementations live in the data package (SQLite via sqlx) or,
// for tests, as in-memory fakes. These are ports in the sense the spec uses
// the term: the core only depends on the interfaces here, never on a
// concrete storage engine.
package store

import (
	"context"
	"time"

	"github.com/alexherrero/sherwood/models"
)

// CandleRepository is the durable side of CandleStore's dual cache.
type CandleRepository interface {
	Insert(ctx context.Context, c models.Candle) error
	InsertBatch(ctx context.Context, cs []models.Candle) error
	Upsert(ctx context.Context, c models.Candle) error
	UpsertBatch(ctx context.Context, cs []models.Candle) error
	FindLatest(ctx context.Context, symbol string, tf models.Timeframe) (*models.Candle, error)
	// FindAll returns up to limit candles in descending timestamp order.
	FindAll(ctx context.Context, symbol string, tf models.Timeframe, limit int) ([]models.Candle, error)
	// FindBySymbolAndTimeframe returns candles in [from, to) ascending by
	// timestamp.
	FindBySymbolAndTimeframe(ctx context.Context, symbol string, tf models.Timeframe, from, to time.Time) ([]models.Candle, error)
	Exists(ctx context.Context, symbol string, tf models.Timeframe) (bool, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// TradeRepository is the single durable home of Trade rows.
// TradeManagementService is the only writer; everything else only reads.
type TradeRepository interface {
	FindByID(ctx context.Context, tradeID string) (*models.Trade, error)
	FindByBrokerOrderID(ctx context.Context, brokerOrderID string) (*models.Trade, error)
	FindByIntentID(ctx context.Context, intentID string) (*models.Trade, error)
	FindByStatus(ctx context.Context, status models.TradeStatus) ([]models.Trade, error)
	FindByUserAndSymbol(ctx context.Context, userID, symbol string) ([]models.Trade, error)
	FindOpen(ctx context.Context) ([]models.Trade, error)

	// Insert creates a brand-new row. A unique constraint on ClientOrderID
	// enforces at-most-once trade creation per intent; Insert returns
	// errs.ContractViolation-wrapped errors for a duplicate key so callers
	// can distinguish "already exists" from other failures.
	Insert(ctx context.Context, t *models.Trade) error

	// Upsert performs an optimistic-concurrency write: it updates the row
	// identified by TradeID only if the stored Version still equals
	// expectedVersion, writing t.Version as given (the caller sets the new
	// version before calling). It reports whether the row
	// was actually updated (false means a stale write was discarded).
	Upsert(ctx context.Context, t *models.Trade, expectedVersion int64) (bool, error)
}

// ExitIntentRepository is the durable home of ExitIntent rows.
type ExitIntentRepository interface {
	FindByID(ctx context.Context, exitIntentID string) (*models.ExitIntent, error)
	FindPendingIntents(ctx context.Context) ([]models.ExitIntent, error)
	FindByStatus(ctx context.Context, status models.ExitIntentStatus) ([]models.ExitIntent, error)

	// Insert creates a new exit intent row, typically at status=APPROVED
	// since algorithm-driven exits need no manual approval step.
	Insert(ctx context.Context, e *models.ExitIntent) error

	// PlaceExitOrder is the APPROVED->PLACED CAS: it updates status to
	// PLACED and brokerOrderId to placeholder only where
	// exitIntentId=? AND status='APPROVED'. It reports whether exactly
	// one row transitioned.
	PlaceExitOrder(ctx context.Context, exitIntentID, placeholder string) (bool, error)
	UpdateBrokerOrderID(ctx context.Context, exitIntentID, brokerOrderID string) error
	UpdateStatus(ctx context.Context, exitIntentID string, status models.ExitIntentStatus) error
	MarkFilled(ctx context.Context, exitIntentID string) error
	MarkFailed(ctx context.Context, exitIntentID, code, message string) error
	MarkCancelled(ctx context.Context, exitIntentID string) error
}

// UserBroker is the minimal broker-credential record the core resolves a
// BrokerAdapter instance through. Read-only to the core.
type UserBroker struct {
	UserBrokerID string
	UserID       string
	BrokerID     string
	AccountRef   string
}

// UserBrokerRepository is read-only to the core.
type UserBrokerRepository interface {
	FindByID(ctx context.Context, userBrokerID string) (*UserBroker, error)
}

// UserBrokerSession holds a broker session token, read-only to the core.
type UserBrokerSession struct {
	UserBrokerID string
	SessionToken string
	ExpiresAt    time.Time
}

// UserBrokerSessionRepository is read-only to the core.
type UserBrokerSessionRepository interface {
	FindByUserBrokerID(ctx context.Context, userBrokerID string) (*UserBrokerSession, error)
}

// SignalRepository is read-only to the core; signals are produced upstream.
type SignalRepository interface {
	FindByID(ctx context.Context, signalID string) (*models.Signal, error)
}

// Watchlist is a read-only set of symbols a user is tracking.
type Watchlist struct {
	WatchlistID string
	UserID      string
	Symbols     []string
}

// WatchlistRepository is read-only to the core.
type WatchlistRepository interface {
	FindByUserID(ctx context.Context, userID string) ([]Watchlist, error)
}
