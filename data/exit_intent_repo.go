package data

import (
	"context"
	"fmt"
	"time"

	"github.com/alexherrero/sherwood/models"
)

// ExitIntentRepository is the sqlite-backed store.ExitIntentRepository.
type ExitIntentRepository struct {
	db *DB
}

// NewExitIntentRepository constructs an ExitIntentRepository over db.
func NewExitIntentRepository(db *DB) *ExitIntentRepository {
	return &ExitIntentRepository{db: db}
}

const exitIntentColumns = `
	exit_intent_id, trade_id, user_broker_id, exit_reason, order_type, product_type,
	calculated_qty, limit_price, status, broker_order_id, placed_at,
	failure_code, failure_message, created_at, updated_at, version
`

const selectExitIntentSQL = `SELECT ` + exitIntentColumns + ` FROM exit_intents`

// FindByID returns the exit intent with id, or nil if none exists.
func (r *ExitIntentRepository) FindByID(ctx context.Context, exitIntentID string) (*models.ExitIntent, error) {
	var e models.ExitIntent
	err := r.db.GetContext(ctx, &e, selectExitIntentSQL+` WHERE exit_intent_id = ?`, exitIntentID)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("exit intent repo: find by id: %w", err)
	}
	return &e, nil
}

// FindPendingIntents returns intents still in a non-terminal state (APPROVED or PLACED).
func (r *ExitIntentRepository) FindPendingIntents(ctx context.Context) ([]models.ExitIntent, error) {
	var es []models.ExitIntent
	err := r.db.SelectContext(ctx, &es, selectExitIntentSQL+` WHERE status IN (?, ?)`,
		models.ExitIntentApproved, models.ExitIntentPlaced)
	if err != nil {
		return nil, fmt.Errorf("exit intent repo: find pending: %w", err)
	}
	return es, nil
}

// FindByStatus returns all exit intents currently in status.
func (r *ExitIntentRepository) FindByStatus(ctx context.Context, status models.ExitIntentStatus) ([]models.ExitIntent, error) {
	var es []models.ExitIntent
	if err := r.db.SelectContext(ctx, &es, selectExitIntentSQL+` WHERE status = ?`, status); err != nil {
		return nil, fmt.Errorf("exit intent repo: find by status: %w", err)
	}
	return es, nil
}

// Insert creates a new exit intent row.
func (r *ExitIntentRepository) Insert(ctx context.Context, e *models.ExitIntent) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO exit_intents (`+exitIntentColumns+`) VALUES (
			:exit_intent_id, :trade_id, :user_broker_id, :exit_reason, :order_type, :product_type,
			:calculated_qty, :limit_price, :status, :broker_order_id, :placed_at,
			:failure_code, :failure_message, :created_at, :updated_at, :version
		)`, e)
	if err != nil {
		return fmt.Errorf("exit intent repo: insert: %w", err)
	}
	return nil
}

// PlaceExitOrder is the APPROVED->PLACED CAS: it updates status to PLACED
// and broker_order_id to placeholder only where exit_intent_id=? AND
// status='APPROVED'. It reports whether exactly one row transitioned.
func (r *ExitIntentRepository) PlaceExitOrder(ctx context.Context, exitIntentID, placeholder string) (bool, error) {
	now := time.Now()
	res, err := r.db.ExecContext(ctx, `
		UPDATE exit_intents SET status = ?, broker_order_id = ?, placed_at = ?, updated_at = ?, version = version + 1
		WHERE exit_intent_id = ? AND status = ?`,
		models.ExitIntentPlaced, placeholder, now, now, exitIntentID, models.ExitIntentApproved)
	if err != nil {
		return false, fmt.Errorf("exit intent repo: place exit order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("exit intent repo: place exit order rows affected: %w", err)
	}
	return n == 1, nil
}

// UpdateBrokerOrderID overwrites the broker_order_id, typically replacing the
// PENDING_<wallTime> placeholder with the broker-assigned id.
func (r *ExitIntentRepository) UpdateBrokerOrderID(ctx context.Context, exitIntentID, brokerOrderID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE exit_intents SET broker_order_id = ?, updated_at = ? WHERE exit_intent_id = ?`,
		brokerOrderID, time.Now(), exitIntentID)
	if err != nil {
		return fmt.Errorf("exit intent repo: update broker order id: %w", err)
	}
	return nil
}

// UpdateStatus sets the exit intent's status.
func (r *ExitIntentRepository) UpdateStatus(ctx context.Context, exitIntentID string, status models.ExitIntentStatus) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE exit_intents SET status = ?, updated_at = ? WHERE exit_intent_id = ?`,
		status, time.Now(), exitIntentID)
	if err != nil {
		return fmt.Errorf("exit intent repo: update status: %w", err)
	}
	return nil
}

// MarkFilled marks the exit intent FILLED.
func (r *ExitIntentRepository) MarkFilled(ctx context.Context, exitIntentID string) error {
	return r.UpdateStatus(ctx, exitIntentID, models.ExitIntentFilled)
}

// MarkFailed marks the exit intent FAILED, recording the failure code/message.
func (r *ExitIntentRepository) MarkFailed(ctx context.Context, exitIntentID, code, message string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE exit_intents SET status = ?, failure_code = ?, failure_message = ?, updated_at = ?
		WHERE exit_intent_id = ?`,
		models.ExitIntentFailed, code, message, time.Now(), exitIntentID)
	if err != nil {
		return fmt.Errorf("exit intent repo: mark failed: %w", err)
	}
	return nil
}

// MarkCancelled marks the exit intent CANCELLED.
func (r *ExitIntentRepository) MarkCancelled(ctx context.Context, exitIntentID string) error {
	return r.UpdateStatus(ctx, exitIntentID, models.ExitIntentCancelled)
}
