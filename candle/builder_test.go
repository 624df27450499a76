package candle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexherrero/sherwood/models"
	"github.com/alexherrero/sherwood/sessionclock"
)

// memCandleRepo is an in-memory store.CandleRepository fake, enough to
// exercise Store without a real database.
type memCandleRepo struct {
	mu    sync.Mutex
	byKey map[cacheKey][]models.Candle
}

func newMemCandleRepo() *memCandleRepo {
	return &memCandleRepo{byKey: make(map[cacheKey][]models.Candle)}
}

func (r *memCandleRepo) Insert(ctx context.Context, c models.Candle) error { return r.Upsert(ctx, c) }

func (r *memCandleRepo) InsertBatch(ctx context.Context, cs []models.Candle) error {
	return r.UpsertBatch(ctx, cs)
}

func (r *memCandleRepo) Upsert(ctx context.Context, c models.Candle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := cacheKey{c.Symbol, c.Timeframe}
	list := r.byKey[key]
	for i, existing := range list {
		if existing.Timestamp.Equal(c.Timestamp) {
			list[i] = c
			r.byKey[key] = list
			return nil
		}
	}
	r.byKey[key] = append(list, c)
	return nil
}

func (r *memCandleRepo) UpsertBatch(ctx context.Context, cs []models.Candle) error {
	for _, c := range cs {
		if err := r.Upsert(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (r *memCandleRepo) FindLatest(ctx context.Context, symbol string, tf models.Timeframe) (*models.Candle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.byKey[cacheKey{symbol, tf}]
	if len(list) == 0 {
		return nil, nil
	}
	latest := list[0]
	for _, c := range list[1:] {
		if c.Timestamp.After(latest.Timestamp) {
			latest = c
		}
	}
	return &latest, nil
}

func (r *memCandleRepo) FindAll(ctx context.Context, symbol string, tf models.Timeframe, limit int) ([]models.Candle, error) {
	return nil, nil
}

func (r *memCandleRepo) FindBySymbolAndTimeframe(ctx context.Context, symbol string, tf models.Timeframe, from, to time.Time) ([]models.Candle, error) {
	return nil, nil
}

func (r *memCandleRepo) Exists(ctx context.Context, symbol string, tf models.Timeframe) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byKey[cacheKey{symbol, tf}]) > 0, nil
}

func (r *memCandleRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func testClock() sessionclock.Clock {
	loc, _ := time.LoadLocation("Asia/Kolkata")
	return sessionclock.Default(loc)
}

func newTestBuilder() (*TickCandleBuilder, *Store) {
	store := NewStore(newMemCandleRepo(), 0)
	clock := testClock()
	builder := NewTickCandleBuilder(clock, store, nil, nil, NewMarketDataCache(), nil)
	return builder, store
}

func tickAt(symbol string, hour, minute, second int, price string) models.Tick {
	loc, _ := time.LoadLocation("Asia/Kolkata")
	ts := time.Date(2026, 3, 5, hour, minute, second, 0, loc)
	p, _ := decimal.NewFromString(price)
	return models.Tick{Symbol: symbol, LastPrice: p, Volume: 1, ExchangeTimestamp: ts}
}

func TestOnTick_DedupRejectsRetransmittedTick(t *testing.T) {
	b, store := newTestBuilder()
	ctx := context.Background()

	tick := tickAt("BTCUSDT", 10, 0, 1, "100")
	b.OnTick(ctx, tick)
	b.OnTick(ctx, tick) // identical retransmit, must be dropped

	// Crossing into the next minute closes the 10:00 partial via OnTick
	// itself, independent of wall-clock time.
	next := tickAt("BTCUSDT", 10, 1, 0, "101")
	b.OnTick(ctx, next)

	c, err := store.GetLatest(ctx, "BTCUSDT", models.LTF)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, int64(1), c.Volume, "dedup must drop the retransmitted tick's volume")
}

func TestOnTick_OutsideSessionIsDropped(t *testing.T) {
	b, store := newTestBuilder()
	ctx := context.Background()

	before := tickAt("BTCUSDT", 8, 0, 0, "100") // before 09:15 session open
	b.OnTick(ctx, before)

	ok, err := store.Exists(ctx, "BTCUSDT", models.LTF)
	require.NoError(t, err)
	assert.False(t, ok, "ticks outside the session window must not open a partial candle")
}

func TestOnTick_RollsIntoClosedCandleOnMinuteBoundary(t *testing.T) {
	b, store := newTestBuilder()
	ctx := context.Background()

	b.OnTick(ctx, tickAt("BTCUSDT", 10, 0, 0, "100"))
	b.OnTick(ctx, tickAt("BTCUSDT", 10, 0, 30, "105"))
	b.OnTick(ctx, tickAt("BTCUSDT", 10, 0, 45, "95"))
	// Crossing into the next minute closes the 10:00 candle.
	b.OnTick(ctx, tickAt("BTCUSDT", 10, 1, 0, "102"))

	c, err := store.GetLatest(ctx, "BTCUSDT", models.LTF)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.True(t, c.Open.Equal(decimal.RequireFromString("100")))
	assert.True(t, c.High.Equal(decimal.RequireFromString("105")))
	assert.True(t, c.Low.Equal(decimal.RequireFromString("95")))
	assert.True(t, c.Close.Equal(decimal.RequireFromString("95")))
}

func TestFinalizeStale_ForceClosesElapsedPartial(t *testing.T) {
	b, store := newTestBuilder()
	ctx := context.Background()

	loc, _ := time.LoadLocation("Asia/Kolkata")
	past := time.Date(2026, 3, 5, 10, 0, 0, 0, loc)
	p, _ := decimal.NewFromString("100")
	b.OnTick(ctx, models.Tick{Symbol: "BTCUSDT", LastPrice: p, Volume: 1, ExchangeTimestamp: past})

	ok, err := store.Exists(ctx, "BTCUSDT", models.LTF)
	require.NoError(t, err)
	assert.False(t, ok, "the partial candle must not be persisted until it closes")

	b.finalizeStale(ctx)

	ok, err = store.Exists(ctx, "BTCUSDT", models.LTF)
	require.NoError(t, err)
	assert.True(t, ok, "finalizeStale must force-close a partial whose minute has elapsed")
}
