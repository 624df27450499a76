package candle

import (
	"context"
	"time"

	"github.com/alexherrero/sherwood/models"
	"github.com/alexherrero/sherwood/sessionclock"
	"github.com/alexherrero/sherwood/tracing"
)

// HistoricalSource is the slice of BrokerAdapter the backfiller depends on.
// It is declared here, rather than imported from the broker package, so
// candle has no dependency on broker (broker depends on candle's models,
// not the other way around).
type HistoricalSource interface {
	GetHistoricalCandles(ctx context.Context, symbol string, tf models.Timeframe, from, to time.Time) ([]models.Candle, error)
}

// HistoryBackfiller fills gaps in LTF candle history from a broker's
// historical-candle endpoint. Failures are logged and treated as "filled
// zero candles" rather than propagated, per the failure-semantics contract:
// a backfill failure must never block the tick pipeline that triggered it.
type HistoryBackfiller struct {
	store  *Store
	clock  sessionclock.Clock
	source HistoricalSource
}

// NewHistoryBackfiller constructs a HistoryBackfiller.
func NewHistoryBackfiller(store *Store, clock sessionclock.Clock, source HistoricalSource) *HistoryBackfiller {
	return &HistoryBackfiller{store: store, clock: clock, source: source}
}

// BackfillIfNeeded fetches and persists whatever LTF candles are missing
// between the latest known candle and upTo, returning the count written.
func (b *HistoryBackfiller) BackfillIfNeeded(ctx context.Context, symbol string, tf models.Timeframe, upTo time.Time) int {
	last, err := b.store.GetLatest(ctx, symbol, tf)
	if err != nil {
		tracing.Logger(ctx).Error().Err(err).Str("symbol", symbol).Msg("backfill: read latest candle failed")
		return 0
	}
	var from time.Time
	if last == nil {
		from = b.clock.GetTodaySessionStart(upTo)
	} else {
		from = last.Timestamp.Add(time.Duration(tf.Minutes()) * time.Minute)
	}
	if !from.Before(upTo) {
		return 0
	}
	return b.BackfillRange(ctx, symbol, tf, from, upTo)
}

// BackfillRange is the explicit form of BackfillIfNeeded: fetch and persist
// candles for [from, to] unconditionally.
func (b *HistoryBackfiller) BackfillRange(ctx context.Context, symbol string, tf models.Timeframe, from, to time.Time) int {
	candles, err := b.source.GetHistoricalCandles(ctx, symbol, tf, from, to)
	if err != nil {
		tracing.Logger(ctx).Error().Err(err).Str("symbol", symbol).Str("timeframe", string(tf)).
			Time("from", from).Time("to", to).Msg("backfill: historical fetch failed")
		return 0
	}
	if len(candles) == 0 {
		return 0
	}
	if err := b.store.UpsertBatch(ctx, candles); err != nil {
		tracing.Logger(ctx).Error().Err(err).Str("symbol", symbol).Msg("backfill: persisting fetched candles failed")
		return 0
	}
	tracing.Logger(ctx).Info().Str("symbol", symbol).Str("timeframe", string(tf)).
		Int("count", len(candles)).Msg("backfilled candles")
	return len(candles)
}
