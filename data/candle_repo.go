package data

import (
	"context"
	"fmt"
	"time"

	"github.com/alexherrero/sherwood/models"
)

// CandleRepository is the sqlite-backed store.CandleRepository.
type CandleRepository struct {
	db *DB
}

// NewCandleRepository constructs a CandleRepository over db.
func NewCandleRepository(db *DB) *CandleRepository {
	return &CandleRepository{db: db}
}

const insertCandleSQL = `
	INSERT INTO candles (symbol, timeframe, timestamp, open, high, low, close, volume)
	VALUES (:symbol, :timeframe, :timestamp, :open, :high, :low, :close, :volume)
`

const upsertCandleSQL = insertCandleSQL + `
	ON CONFLICT(symbol, timeframe, timestamp) DO UPDATE SET
		open = excluded.open, high = excluded.high, low = excluded.low,
		close = excluded.close, volume = excluded.volume
`

// Insert inserts a candle, failing on a duplicate (symbol, timeframe, timestamp) key.
func (r *CandleRepository) Insert(ctx context.Context, c models.Candle) error {
	if _, err := r.db.NamedExecContext(ctx, insertCandleSQL, c); err != nil {
		return fmt.Errorf("candle repo: insert: %w", err)
	}
	return nil
}

// InsertBatch inserts many candles in one transaction.
func (r *CandleRepository) InsertBatch(ctx context.Context, cs []models.Candle) error {
	return r.execBatch(ctx, insertCandleSQL, cs)
}

// Upsert writes c, overwriting OHLCV fields if the key already exists.
func (r *CandleRepository) Upsert(ctx context.Context, c models.Candle) error {
	if _, err := r.db.NamedExecContext(ctx, upsertCandleSQL, c); err != nil {
		return fmt.Errorf("candle repo: upsert: %w", err)
	}
	return nil
}

// UpsertBatch upserts many candles in one transaction.
func (r *CandleRepository) UpsertBatch(ctx context.Context, cs []models.Candle) error {
	return r.execBatch(ctx, upsertCandleSQL, cs)
}

func (r *CandleRepository) execBatch(ctx context.Context, query string, cs []models.Candle) error {
	if len(cs) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("candle repo: begin tx: %w", err)
	}
	for _, c := range cs {
		if _, err := tx.NamedExecContext(ctx, query, c); err != nil {
			tx.Rollback()
			return fmt.Errorf("candle repo: batch exec: %w", err)
		}
	}
	return tx.Commit()
}

// FindLatest returns the most recent candle for symbol/tf, or nil if none exist.
func (r *CandleRepository) FindLatest(ctx context.Context, symbol string, tf models.Timeframe) (*models.Candle, error) {
	var c models.Candle
	err := r.db.GetContext(ctx, &c, `
		SELECT symbol, timeframe, timestamp, open, high, low, close, volume
		FROM candles WHERE symbol = ? AND timeframe = ?
		ORDER BY timestamp DESC LIMIT 1`, symbol, tf)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("candle repo: find latest: %w", err)
	}
	return &c, nil
}

// FindAll returns up to limit candles descending by timestamp.
func (r *CandleRepository) FindAll(ctx context.Context, symbol string, tf models.Timeframe, limit int) ([]models.Candle, error) {
	var cs []models.Candle
	err := r.db.SelectContext(ctx, &cs, `
		SELECT symbol, timeframe, timestamp, open, high, low, close, volume
		FROM candles WHERE symbol = ? AND timeframe = ?
		ORDER BY timestamp DESC LIMIT ?`, symbol, tf, limit)
	if err != nil {
		return nil, fmt.Errorf("candle repo: find all: %w", err)
	}
	return cs, nil
}

// FindBySymbolAndTimeframe returns candles in [from, to) ascending by timestamp.
func (r *CandleRepository) FindBySymbolAndTimeframe(ctx context.Context, symbol string, tf models.Timeframe, from, to time.Time) ([]models.Candle, error) {
	var cs []models.Candle
	err := r.db.SelectContext(ctx, &cs, `
		SELECT symbol, timeframe, timestamp, open, high, low, close, volume
		FROM candles WHERE symbol = ? AND timeframe = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp ASC`, symbol, tf, from, to)
	if err != nil {
		return nil, fmt.Errorf("candle repo: find range: %w", err)
	}
	return cs, nil
}

// Exists reports whether any candle has been persisted for symbol/tf.
func (r *CandleRepository) Exists(ctx context.Context, symbol string, tf models.Timeframe) (bool, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(1) FROM candles WHERE symbol = ? AND timeframe = ?`, symbol, tf)
	if err != nil {
		return false, fmt.Errorf("candle repo: exists: %w", err)
	}
	return count > 0, nil
}

// DeleteOlderThan purges persisted candles with timestamp before cutoff.
func (r *CandleRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM candles WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("candle repo: delete older than: %w", err)
	}
	return res.RowsAffected()
}
