package data

import (
	"context"
	"fmt"

	"github.com/alexherrero/sherwood/models"
)

// SignalRepository is the sqlite-backed store.SignalRepository. Signals are
// produced upstream by the (out-of-scope) strategy layer; this repository
// only ever reads rows that something else has already written.
type SignalRepository struct {
	db *DB
}

// NewSignalRepository constructs a SignalRepository over db.
func NewSignalRepository(db *DB) *SignalRepository {
	return &SignalRepository{db: db}
}

const selectSignalSQL = `
	SELECT signal_id, symbol, direction, htf_low, htf_high, itf_low, itf_high,
		ltf_low, ltf_high, effective_floor, effective_ceiling, confluence_score, confluence_type
	FROM signals
`

// FindByID returns the signal with id, or nil if none exists.
func (r *SignalRepository) FindByID(ctx context.Context, signalID string) (*models.Signal, error) {
	var s models.Signal
	err := r.db.GetContext(ctx, &s, selectSignalSQL+` WHERE signal_id = ?`, signalID)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("signal repo: find by id: %w", err)
	}
	return &s, nil
}
