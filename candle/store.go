// Package candle implements the tick-to-candle pipeline: a bounded
// in-memory cache over durable candle storage, the LTF->ITF/HTF
// aggregator, the history backfiller, and the tick-driven LTF builder.
package candle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alexherrero/sherwood/models"
	"github.com/alexherrero/sherwood/store"
	"github.com/alexherrero/sherwood/tracing"
)

const defaultMaxCached = 500

type cacheKey struct {
	symbol string
	tf     models.Timeframe
}

// Store is the dual cache described for candle persistence: an in-memory,
// per-{symbol,timeframe} list bounded at maxCached entries ordered
// newest-first, backed by a durable repository. The repository is
// authoritative; the in-memory list only shortens read latency.
type Store struct {
	repo      store.CandleRepository
	maxCached int

	mu    sync.RWMutex
	cache map[cacheKey][]models.Candle
}

// NewStore constructs a Store over repo. maxCached bounds the in-memory
// per-(symbol,timeframe) list; a value <= 0 falls back to 500.
func NewStore(repo store.CandleRepository, maxCached int) *Store {
	if maxCached <= 0 {
		maxCached = defaultMaxCached
	}
	return &Store{repo: repo, maxCached: maxCached, cache: make(map[cacheKey][]models.Candle)}
}

// Upsert writes c to the repository and updates the in-memory cache,
// removing any existing entry with the same timestamp before prepending.
func (s *Store) Upsert(ctx context.Context, c models.Candle) error {
	if err := s.repo.Upsert(ctx, c); err != nil {
		return fmt.Errorf("candle store: upsert %s/%s: %w", c.Symbol, c.Timeframe, err)
	}
	s.insertCached(c)
	return nil
}

// UpsertBatch upserts many candles, sorting by timestamp so cache ordering
// stays newest-first regardless of input order.
func (s *Store) UpsertBatch(ctx context.Context, cs []models.Candle) error {
	if len(cs) == 0 {
		return nil
	}
	if err := s.repo.UpsertBatch(ctx, cs); err != nil {
		return fmt.Errorf("candle store: upsert batch: %w", err)
	}
	sorted := make([]models.Candle, len(cs))
	copy(sorted, cs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })
	for _, c := range sorted {
		s.insertCached(c)
	}
	return nil
}

func (s *Store) insertCached(c models.Candle) {
	key := cacheKey{c.Symbol, c.Timeframe}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.cache[key]
	filtered := list[:0:0]
	for _, existing := range list {
		if !existing.Timestamp.Equal(c.Timestamp) {
			filtered = append(filtered, existing)
		}
	}
	filtered = append([]models.Candle{c}, filtered...)
	if len(filtered) > s.maxCached {
		filtered = filtered[:s.maxCached]
	}
	s.cache[key] = filtered
}

// GetLatest returns the most recent candle for symbol/tf, preferring the
// in-memory cache and falling back to the repository.
func (s *Store) GetLatest(ctx context.Context, symbol string, tf models.Timeframe) (*models.Candle, error) {
	s.mu.RLock()
	list := s.cache[cacheKey{symbol, tf}]
	s.mu.RUnlock()
	if len(list) > 0 {
		c := list[0]
		return &c, nil
	}
	c, err := s.repo.FindLatest(ctx, symbol, tf)
	if err != nil {
		return nil, fmt.Errorf("candle store: get latest %s/%s: %w", symbol, tf, err)
	}
	return c, nil
}

// GetRange returns candles in [from, to) ascending by timestamp, always
// reading through to the repository since the cache is not guaranteed to
// hold a contiguous range.
func (s *Store) GetRange(ctx context.Context, symbol string, tf models.Timeframe, from, to time.Time) ([]models.Candle, error) {
	cs, err := s.repo.FindBySymbolAndTimeframe(ctx, symbol, tf, from, to)
	if err != nil {
		return nil, fmt.Errorf("candle store: get range %s/%s: %w", symbol, tf, err)
	}
	return cs, nil
}

// FindAll returns up to limit candles descending by timestamp, served from
// cache when it holds enough entries.
func (s *Store) FindAll(ctx context.Context, symbol string, tf models.Timeframe, limit int) ([]models.Candle, error) {
	s.mu.RLock()
	list := s.cache[cacheKey{symbol, tf}]
	s.mu.RUnlock()
	if len(list) >= limit {
		out := make([]models.Candle, limit)
		copy(out, list[:limit])
		return out, nil
	}
	cs, err := s.repo.FindAll(ctx, symbol, tf, limit)
	if err != nil {
		return nil, fmt.Errorf("candle store: find all %s/%s: %w", symbol, tf, err)
	}
	return cs, nil
}

// Exists reports whether any candle has been persisted for symbol/tf.
func (s *Store) Exists(ctx context.Context, symbol string, tf models.Timeframe) (bool, error) {
	s.mu.RLock()
	if len(s.cache[cacheKey{symbol, tf}]) > 0 {
		s.mu.RUnlock()
		return true, nil
	}
	s.mu.RUnlock()
	ok, err := s.repo.Exists(ctx, symbol, tf)
	if err != nil {
		return false, fmt.Errorf("candle store: exists %s/%s: %w", symbol, tf, err)
	}
	return ok, nil
}

// Warmup loads up to maxCached of the most recent candles for symbol/tf
// into the in-memory cache, for use at startup before the first tick.
func (s *Store) Warmup(ctx context.Context, symbol string, tf models.Timeframe) error {
	cs, err := s.repo.FindAll(ctx, symbol, tf, s.maxCached)
	if err != nil {
		return fmt.Errorf("candle store: warmup %s/%s: %w", symbol, tf, err)
	}
	s.mu.Lock()
	s.cache[cacheKey{symbol, tf}] = cs
	s.mu.Unlock()
	tracing.Logger(ctx).Debug().Str("symbol", symbol).Str("timeframe", string(tf)).Int("count", len(cs)).Msg("candle store warmed up")
	return nil
}

// DeleteOlderThan purges persisted candles with timestamp before cutoff. It
// does not touch the in-memory cache, which is already bounded.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := s.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("candle store: delete older than %s: %w", cutoff, err)
	}
	return n, nil
}
