package recovery

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alexherrero/sherwood/candle"
	"github.com/alexherrero/sherwood/models"
	"github.com/alexherrero/sherwood/sessionclock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memCandleRepo is an in-memory store.CandleRepository fake for recovery
// tests; it mirrors the shape data.CandleRepository exposes over sqlite.
type memCandleRepo struct {
	mu   sync.Mutex
	rows map[string][]models.Candle
}

func newMemCandleRepo() *memCandleRepo {
	return &memCandleRepo{rows: make(map[string][]models.Candle)}
}

func (r *memCandleRepo) key(symbol string, tf models.Timeframe) string { return symbol + "|" + string(tf) }

func (r *memCandleRepo) Insert(ctx context.Context, c models.Candle) error { return r.Upsert(ctx, c) }

func (r *memCandleRepo) InsertBatch(ctx context.Context, cs []models.Candle) error {
	return r.UpsertBatch(ctx, cs)
}

func (r *memCandleRepo) Upsert(ctx context.Context, c models.Candle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := r.key(c.Symbol, c.Timeframe)
	rows := r.rows[k]
	for i, existing := range rows {
		if existing.Timestamp.Equal(c.Timestamp) {
			rows[i] = c
			r.rows[k] = rows
			return nil
		}
	}
	r.rows[k] = append(rows, c)
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
	all, _ := r.FindAll(ctx, symbol, tf, 1)
	if len(all) == 0 {
		return nil, nil
	}
	return &all[0], nil
}

func (r *memCandleRepo) FindAll(ctx context.Context, symbol string, tf models.Timeframe, limit int) ([]models.Candle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows := append([]models.Candle(nil), r.rows[r.key(symbol, tf)]...)
	sort.Slice(rows, func(i, j int) bool { return rows[i].Timestamp.After(rows[j].Timestamp) })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (r *memCandleRepo) FindBySymbolAndTimeframe(ctx context.Context, symbol string, tf models.Timeframe, from, to time.Time) ([]models.Candle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Candle
	for _, c := range r.rows[r.key(symbol, tf)] {
		if !c.Timestamp.Before(from) && c.Timestamp.Before(to) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (r *memCandleRepo) Exists(ctx context.Context, symbol string, tf models.Timeframe) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows[r.key(symbol, tf)]) > 0, nil
}

func (r *memCandleRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

// fakeHistoricalSource returns one synthetic 1-minute candle per minute in
// [from, to), regardless of timeframe, to keep the gap-fill math simple.
type fakeHistoricalSource struct{}

func (fakeHistoricalSource) GetHistoricalCandles(ctx context.Context, symbol string, tf models.Timeframe, from, to time.Time) ([]models.Candle, error) {
	var out []models.Candle
	for t := from; t.Before(to); t = t.Add(time.Minute) {
		out = append(out, models.Candle{
			Symbol: symbol, Timeframe: models.LTF, Timestamp: t,
			Open: decimal.NewFromInt(100), High: decimal.NewFromInt(100),
			Low: decimal.NewFromInt(100), Close: decimal.NewFromInt(100), Volume: 1,
		})
	}
	return out, nil
}

func newTestManager() (*Manager, *memCandleRepo, sessionclock.Clock) {
	loc, _ := time.LoadLocation("Asia/Kolkata")
	clock := sessionclock.Default(loc)
	repo := newMemCandleRepo()
	store := candle.NewStore(repo, 0)
	backfiller := candle.NewHistoryBackfiller(store, clock, fakeHistoricalSource{})
	aggregator := candle.NewAggregator(store, clock, nil)
	return NewManager(store, backfiller, aggregator, clock), repo, clock
}

func TestRecoverOnStartup_MidSessionGapBackfills(t *testing.T) {
	mgr, repo, clock := newTestManager()
	ctx := context.Background()
	loc, _ := time.LoadLocation("Asia/Kolkata")

	sessionStart := clock.GetTodaySessionStart(time.Date(2026, 3, 5, 10, 0, 0, 0, loc))
	require.NoError(t, repo.Upsert(ctx, models.Candle{
		Symbol: "ACME", Timeframe: models.LTF, Timestamp: sessionStart,
		Open: decimal.NewFromInt(100), High: decimal.NewFromInt(100),
		Low: decimal.NewFromInt(100), Close: decimal.NewFromInt(100), Volume: 1,
	}))

	now := time.Date(2026, 3, 5, 10, 0, 0, 0, loc)
	require.NoError(t, mgr.RecoverOnStartup(ctx, "ACME", now))

	rows, err := repo.FindAll(ctx, "ACME", models.LTF, 0)
	require.NoError(t, err)
	assert.True(t, len(rows) > 1, "gap should have been backfilled")
}

func TestRecoverOnStartup_BeforeSessionWarmsUpOnly(t *testing.T) {
	mgr, repo, _ := newTestManager()
	ctx := context.Background()
	loc, _ := time.LoadLocation("Asia/Kolkata")

	now := time.Date(2026, 3, 5, 8, 0, 0, 0, loc)
	require.NoError(t, mgr.RecoverOnStartup(ctx, "ACME", now))

	rows, err := repo.FindAll(ctx, "ACME", models.LTF, 0)
	require.NoError(t, err)
	assert.Empty(t, rows, "before session start, no backfill should run")
}

func TestRecoverOnReconnect_SmallGapIsNoop(t *testing.T) {
	mgr, repo, _ := newTestManager()
	ctx := context.Background()
	loc, _ := time.LoadLocation("Asia/Kolkata")

	lastKnown := time.Date(2026, 3, 5, 10, 0, 0, 0, loc)
	now := lastKnown.Add(30 * time.Second)
	require.NoError(t, mgr.RecoverOnReconnect(ctx, "ACME", lastKnown, now))

	rows, err := repo.FindAll(ctx, "ACME", models.LTF, 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRecoverOnReconnect_LargeGapBackfills(t *testing.T) {
	mgr, repo, _ := newTestManager()
	ctx := context.Background()
	loc, _ := time.LoadLocation("Asia/Kolkata")

	lastKnown := time.Date(2026, 3, 5, 10, 0, 0, 0, loc)
	now := lastKnown.Add(10 * time.Minute)
	require.NoError(t, mgr.RecoverOnReconnect(ctx, "ACME", lastKnown, now))

	rows, err := repo.FindAll(ctx, "ACME", models.LTF, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, rows)
}
