// Package recovery implements the startup and reconnect gap-recovery
// decision tree: on process start and whenever the broker feed reconnects
// mid-session, it decides whether a symbol's candle history needs a warmup,
// a backfill, or nothing at all, then brings ITF/HTF aggregates back in
// sync with whatever LTF candles the backfill produced.
package recovery

import (
	"context"
	"time"

	"github.com/alexherrero/sherwood/candle"
	"github.com/alexherrero/sherwood/models"
	"github.com/alexherrero/sherwood/sessionclock"
	"github.com/alexherrero/sherwood/tracing"
)

// Manager runs the per-symbol recovery decision tree against a Store, a
// HistoryBackfiller and an Aggregator already wired to the same Store.
type Manager struct {
	store      *candle.Store
	backfiller *candle.HistoryBackfiller
	aggregator *candle.Aggregator
	clock      sessionclock.Clock
}

// NewManager constructs a Manager.
func NewManager(store *candle.Store, backfiller *candle.HistoryBackfiller, aggregator *candle.Aggregator, clock sessionclock.Clock) *Manager {
	return &Manager{store: store, backfiller: backfiller, aggregator: aggregator, clock: clock}
}

// RecoverOnStartup runs the startup decision tree for symbol at wall-clock
// now: warm the cache before the session opens, backfill a day that ended
// with no LTF candles, or catch up whatever gap has opened since the last
// persisted LTF candle during a live session.
func (m *Manager) RecoverOnStartup(ctx context.Context, symbol string, now time.Time) error {
	logger := tracing.Logger(ctx).With().Str("symbol", symbol).Logger()
	sessionStart := m.clock.GetTodaySessionStart(now)
	sessionEnd := m.clock.GetTodaySessionEnd(now)

	switch {
	case now.Before(sessionStart):
		logger.Info().Msg("recovery: before session start, warming cache")
		return m.warmupAll(ctx, symbol)

	case now.After(sessionEnd):
		latest, err := m.store.GetLatest(ctx, symbol, models.LTF)
		if err != nil {
			return err
		}
		if latest == nil || latest.Timestamp.Before(sessionStart) {
			logger.Info().Msg("recovery: session ended with no LTF candles, backfilling full session")
			return m.backfillAndRegenerate(ctx, symbol, sessionStart, sessionEnd)
		}
		return m.warmupAll(ctx, symbol)

	default:
		latest, err := m.store.GetLatest(ctx, symbol, models.LTF)
		if err != nil {
			return err
		}
		if latest == nil {
			logger.Info().Msg("recovery: mid-session with no LTF candles, backfilling from session start")
			return m.backfillAndRegenerate(ctx, symbol, sessionStart, now)
		}
		nextExpected := latest.Timestamp.Add(time.Minute)
		if nextExpected.Before(now) {
			logger.Info().Time("from", nextExpected).Msg("recovery: mid-session gap detected, backfilling")
			return m.backfillAndRegenerate(ctx, symbol, nextExpected, now)
		}
		return m.warmupAll(ctx, symbol)
	}
}

// RecoverOnReconnect is called after the broker WS reconnects mid-session.
// It computes the gap between the last known LTF candle (or tick) and now;
// a gap over one minute triggers a backfill and aggregate regeneration.
func (m *Manager) RecoverOnReconnect(ctx context.Context, symbol string, lastKnown, now time.Time) error {
	if !m.clock.IsWithinSession(now) {
		return nil
	}
	gap := now.Sub(lastKnown)
	if gap <= time.Minute {
		return nil
	}
	tracing.Logger(ctx).Info().Str("symbol", symbol).Dur("gap", gap).Msg("recovery: reconnect gap detected, backfilling")
	return m.backfillAndRegenerate(ctx, symbol, lastKnown.Add(time.Minute), now)
}

func (m *Manager) warmupAll(ctx context.Context, symbol string) error {
	for _, tf := range []models.Timeframe{models.LTF, models.ITF, models.HTF} {
		if err := m.store.Warmup(ctx, symbol, tf); err != nil {
			return err
		}
	}
	return nil
}

// backfillAndRegenerate fetches the missing LTF range, then recomputes
// every ITF/HTF bucket that range touches so the aggregates stay consistent
// with whatever the broker actually returned.
func (m *Manager) backfillAndRegenerate(ctx context.Context, symbol string, from, to time.Time) error {
	m.backfiller.BackfillRange(ctx, symbol, models.LTF, from, to)
	for _, tf := range []models.Timeframe{models.ITF, models.HTF} {
		if err := m.aggregator.BackfillAggregatedCandles(ctx, symbol, tf, from, to); err != nil {
			return err
		}
	}
	return nil
}
