package candle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alexherrero/sherwood/eventbus"
	"github.com/alexherrero/sherwood/models"
	"github.com/alexherrero/sherwood/sessionclock"
	"github.com/alexherrero/sherwood/tracing"
)

// dedupWindow is how often the current/previous tick-key sets rotate.
const dedupWindow = 60 * time.Second

// MarketDataCache holds the latest observed tick per symbol for external
// latest-price lookups (e.g. the exit condition evaluator's currentPrice).
type MarketDataCache struct {
	mu     sync.RWMutex
	latest map[string]models.Tick
}

// NewMarketDataCache constructs an empty MarketDataCache.
func NewMarketDataCache() *MarketDataCache {
	return &MarketDataCache{latest: make(map[string]models.Tick)}
}

// Update records t as the latest tick for its symbol.
func (m *MarketDataCache) Update(t models.Tick) {
	m.mu.Lock()
	m.latest[t.Symbol] = t
	m.mu.Unlock()
}

// Get returns the latest known tick for symbol, if any.
func (m *MarketDataCache) Get(symbol string) (models.Tick, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.latest[symbol]
	return t, ok
}

// partial is the in-progress LTF candle for one symbol.
type partial struct {
	startTime time.Time
	candle    models.Candle
}

// TickCandleBuilder consumes a raw tick stream from one BrokerAdapter and
// rolls it into closed, session-aligned 1-minute candles. It deduplicates
// retransmitted ticks with two rotating sets rather than per-tick removal
// scans, bounding memory to two sliding windows.
type TickCandleBuilder struct {
	clock      sessionclock.Clock
	store      *Store
	aggregator *Aggregator
	backfiller *HistoryBackfiller
	marketData *MarketDataCache
	bus        *eventbus.Bus

	dedupMu  sync.Mutex
	current  map[string]struct{}
	previous map[string]struct{}
	lastSwap time.Time

	partialMu sync.Mutex
	partials  map[string]*partial
}

// NewTickCandleBuilder constructs a TickCandleBuilder. backfiller may be nil
// if the caller does not want gap-triggered backfill (e.g. in tests).
func NewTickCandleBuilder(clock sessionclock.Clock, store *Store, aggregator *Aggregator, backfiller *HistoryBackfiller, marketData *MarketDataCache, bus *eventbus.Bus) *TickCandleBuilder {
	return &TickCandleBuilder{
		clock:      clock,
		store:      store,
		aggregator: aggregator,
		backfiller: backfiller,
		marketData: marketData,
		bus:        bus,
		current:    make(map[string]struct{}),
		previous:   make(map[string]struct{}),
		lastSwap:   time.Now(),
		partials:   make(map[string]*partial),
	}
}

func dedupKey(t models.Tick) string {
	if !t.ExchangeTimestamp.IsZero() {
		return fmt.Sprintf("%s|%d|%s|%d", t.Symbol, t.ExchangeTimestamp.UnixNano(), t.LastPrice.String(), t.Volume)
	}
	return fmt.Sprintf("%s|SYS:%d|%s|%d", t.Symbol, time.Now().Unix(), t.LastPrice.String(), t.Volume)
}

// seenAndTrack reports whether key has already been observed in the
// current or the previous dedup window (and records it if not), rotating
// the windows every dedupWindow if due.
func (b *TickCandleBuilder) seenAndTrack(key string) bool {
	b.dedupMu.Lock()
	defer b.dedupMu.Unlock()

	if time.Since(b.lastSwap) >= dedupWindow {
		b.previous = b.current
		b.current = make(map[string]struct{})
		b.lastSwap = time.Now()
	}
	if _, ok := b.current[key]; ok {
		return true
	}
	if _, ok := b.previous[key]; ok {
		return true
	}
	b.current[key] = struct{}{}
	return false
}

// OnTick processes one tick from the broker feed: dedup, session filter,
// dedup-reject or roll into the open partial candle.
func (b *TickCandleBuilder) OnTick(ctx context.Context, t models.Tick) {
	key := dedupKey(t)
	if b.seenAndTrack(key) {
		return
	}
	ts := t.ExchangeTimestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if !b.clock.IsWithinSession(ts) {
		return
	}

	b.marketData.Update(t)
	if b.bus != nil {
		b.bus.Publish(eventbus.Event{
			Type:      eventbus.EventTick,
			Source:    "TICK_CANDLE_BUILDER",
			Symbol:    t.Symbol,
			Timestamp: ts,
			Payload:   t,
		})
	}

	candleStart := sessionclock.FloorToMinute(ts)

	b.partialMu.Lock()
	p, exists := b.partials[t.Symbol]
	if exists && !p.startTime.Equal(candleStart) {
		closed := p.candle
		gapFrom := p.startTime.Add(time.Minute)
		delete(b.partials, t.Symbol)
		b.partialMu.Unlock()

		b.closeCandle(ctx, closed)
		if gapFrom.Before(candleStart) {
			b.scheduleGapBackfill(ctx, t.Symbol, gapFrom, candleStart)
		}

		b.partialMu.Lock()
		exists = false
	}
	if !exists {
		p = &partial{
			startTime: candleStart,
			candle: models.Candle{
				Symbol:    t.Symbol,
				Timeframe: models.LTF,
				Timestamp: candleStart,
				Open:      t.LastPrice,
				High:      t.LastPrice,
				Low:       t.LastPrice,
				Close:     t.LastPrice,
				Volume:    t.Volume,
			},
		}
		b.partials[t.Symbol] = p
	} else {
		if t.LastPrice.GreaterThan(p.candle.High) {
			p.candle.High = t.LastPrice
		}
		if t.LastPrice.LessThan(p.candle.Low) {
			p.candle.Low = t.LastPrice
		}
		p.candle.Close = t.LastPrice
		p.candle.Volume += t.Volume
	}
	b.partialMu.Unlock()
}

func (b *TickCandleBuilder) closeCandle(ctx context.Context, c models.Candle) {
	if err := b.store.Upsert(ctx, c); err != nil {
		tracing.Logger(ctx).Error().Err(err).Str("symbol", c.Symbol).Msg("tick builder: candle upsert failed")
		return
	}
	if b.bus != nil {
		b.bus.Publish(eventbus.Event{
			Type:      eventbus.EventCandle,
			Source:    "TICK_CANDLE_BUILDER",
			Symbol:    c.Symbol,
			Timeframe: string(models.LTF),
			Payload:   c,
		})
	}
	if b.aggregator != nil {
		if err := b.aggregator.On1MinuteCandleClose(ctx, c.Symbol, c); err != nil {
			tracing.Logger(ctx).Error().Err(err).Str("symbol", c.Symbol).Msg("tick builder: aggregation on close failed")
		}
	}
}

func (b *TickCandleBuilder) scheduleGapBackfill(ctx context.Context, symbol string, from, to time.Time) {
	if b.backfiller == nil {
		return
	}
	go func() {
		n := b.backfiller.BackfillRange(context.Background(), symbol, models.LTF, from, to)
		if n > 0 && b.aggregator != nil {
			if err := b.aggregator.BackfillAggregatedCandles(context.Background(), symbol, models.ITF, from, to); err != nil {
				tracing.Logger(ctx).Error().Err(err).Str("symbol", symbol).Msg("gap backfill: ITF regeneration failed")
			}
			if err := b.aggregator.BackfillAggregatedCandles(context.Background(), symbol, models.HTF, from, to); err != nil {
				tracing.Logger(ctx).Error().Err(err).Str("symbol", symbol).Msg("gap backfill: HTF regeneration failed")
			}
		}
	}()
}

// RunFinalizer periodically force-closes any partial candle whose minute
// has elapsed, guaranteeing candle boundaries fire even if the next tick for
// a symbol arrives late. It blocks until ctx is cancelled.
func (b *TickCandleBuilder) RunFinalizer(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.finalizeStale(ctx)
		}
	}
}

func (b *TickCandleBuilder) finalizeStale(ctx context.Context) {
	now := sessionclock.FloorToMinute(time.Now())

	b.partialMu.Lock()
	var stale []models.Candle
	for symbol, p := range b.partials {
		if p.startTime.Before(now) {
			stale = append(stale, p.candle)
			delete(b.partials, symbol)
		}
	}
	b.partialMu.Unlock()

	for _, c := range stale {
		b.closeCandle(ctx, c)
	}
}
