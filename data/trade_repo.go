package data

import (
	"context"
	"fmt"

	"github.com/alexherrero/sherwood/errs"
	"github.com/alexherrero/sherwood/models"
)

// TradeRepository is the sqlite-backed store.TradeRepository.
type TradeRepository struct {
	db *DB
}

// NewTradeRepository constructs a TradeRepository over db.
func NewTradeRepository(db *DB) *TradeRepository {
	return &TradeRepository{db: db}
}

const tradeColumns = `
	trade_id, client_order_id, symbol, direction, status,
	entry_price, entry_qty, entry_value, entry_timestamp,
	entry_htf_low, entry_htf_high, entry_itf_low, entry_itf_high, entry_ltf_low, entry_ltf_high,
	exit_primary_price, effective_floor,
	trailing_active, trailing_highest_price, trailing_stop_price,
	exit_price, exit_timestamp, exit_trigger, exit_order_id,
	realized_pnl, realized_log_return, holding_days,
	broker_order_id, last_broker_update_at,
	user_id, user_broker_id, signal_id,
	created_at, updated_at, deleted_at, version
`

const selectTradeSQL = `SELECT ` + tradeColumns + ` FROM trades`

// FindByID returns the trade with id, or nil if none exists.
func (r *TradeRepository) FindByID(ctx context.Context, tradeID string) (*models.Trade, error) {
	return r.findOne(ctx, selectTradeSQL+` WHERE trade_id = ?`, tradeID)
}

// FindByBrokerOrderID returns the trade whose current broker_order_id matches, or nil.
func (r *TradeRepository) FindByBrokerOrderID(ctx context.Context, brokerOrderID string) (*models.Trade, error) {
	if brokerOrderID == "" {
		return nil, nil
	}
	return r.findOne(ctx, selectTradeSQL+` WHERE broker_order_id = ?`, brokerOrderID)
}

// FindByIntentID returns the trade originated from intentID (client_order_id), or nil.
func (r *TradeRepository) FindByIntentID(ctx context.Context, intentID string) (*models.Trade, error) {
	return r.findOne(ctx, selectTradeSQL+` WHERE client_order_id = ?`, intentID)
}

func (r *TradeRepository) findOne(ctx context.Context, query string, arg interface{}) (*models.Trade, error) {
	var t models.Trade
	err := r.db.GetContext(ctx, &t, query, arg)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("trade repo: find: %w", err)
	}
	return &t, nil
}

// FindByStatus returns all trades currently in status.
func (r *TradeRepository) FindByStatus(ctx context.Context, status models.TradeStatus) ([]models.Trade, error) {
	var ts []models.Trade
	if err := r.db.SelectContext(ctx, &ts, selectTradeSQL+` WHERE status = ?`, status); err != nil {
		return nil, fmt.Errorf("trade repo: find by status: %w", err)
	}
	return ts, nil
}

// FindByUserAndSymbol returns all trades for a user and symbol.
func (r *TradeRepository) FindByUserAndSymbol(ctx context.Context, userID, symbol string) ([]models.Trade, error) {
	var ts []models.Trade
	if err := r.db.SelectContext(ctx, &ts, selectTradeSQL+` WHERE user_id = ? AND symbol = ?`, userID, symbol); err != nil {
		return nil, fmt.Errorf("trade repo: find by user and symbol: %w", err)
	}
	return ts, nil
}

// FindOpen returns all trades currently OPEN, used to rebuild ActiveTradeIndex at startup.
func (r *TradeRepository) FindOpen(ctx context.Context) ([]models.Trade, error) {
	return r.FindByStatus(ctx, models.TradeOpen)
}

// Insert creates a brand-new trade row. A duplicate client_order_id is
// reported as errs.ContractViolation so callers can treat it as an
// at-most-once guard rather than an infrastructure failure.
func (r *TradeRepository) Insert(ctx context.Context, t *models.Trade) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO trades (`+tradeColumns+`) VALUES (
			:trade_id, :client_order_id, :symbol, :direction, :status,
			:entry_price, :entry_qty, :entry_value, :entry_timestamp,
			:entry_htf_low, :entry_htf_high, :entry_itf_low, :entry_itf_high, :entry_ltf_low, :entry_ltf_high,
			:exit_primary_price, :effective_floor,
			:trailing_active, :trailing_highest_price, :trailing_stop_price,
			:exit_price, :exit_timestamp, :exit_trigger, :exit_order_id,
			:realized_pnl, :realized_log_return, :holding_days,
			:broker_order_id, :last_broker_update_at,
			:user_id, :user_broker_id, :signal_id,
			:created_at, :updated_at, :deleted_at, :version
		)`, t)
	if err != nil {
		if isUniqueConstraint(err) {
			return fmt.Errorf("trade repo: insert: duplicate client_order_id %s: %w", t.ClientOrderID, errs.ContractViolation)
		}
		return fmt.Errorf("trade repo: insert: %w", err)
	}
	return nil
}

// Upsert performs the optimistic-concurrency write: it updates the row
// identified by TradeID only where version = expectedVersion. It reports
// whether the row was actually updated.
func (r *TradeRepository) Upsert(ctx context.Context, t *models.Trade, expectedVersion int64) (bool, error) {
	res, err := r.db.NamedExecContext(ctx, `
		UPDATE trades SET
			symbol = :symbol, direction = :direction, status = :status,
			entry_price = :entry_price, entry_qty = :entry_qty, entry_value = :entry_value, entry_timestamp = :entry_timestamp,
			entry_htf_low = :entry_htf_low, entry_htf_high = :entry_htf_high,
			entry_itf_low = :entry_itf_low, entry_itf_high = :entry_itf_high,
			entry_ltf_low = :entry_ltf_low, entry_ltf_high = :entry_ltf_high,
			exit_primary_price = :exit_primary_price, effective_floor = :effective_floor,
			trailing_active = :trailing_active, trailing_highest_price = :trailing_highest_price, trailing_stop_price = :trailing_stop_price,
			exit_price = :exit_price, exit_timestamp = :exit_timestamp, exit_trigger = :exit_trigger, exit_order_id = :exit_order_id,
			realized_pnl = :realized_pnl, realized_log_return = :realized_log_return, holding_days = :holding_days,
			broker_order_id = :broker_order_id, last_broker_update_at = :last_broker_update_at,
			user_id = :user_id, user_broker_id = :user_broker_id, signal_id = :signal_id,
			updated_at = :updated_at, deleted_at = :deleted_at, version = :version
		WHERE trade_id = :trade_id AND version = `+fmt.Sprintf("%d", expectedVersion), t)
	if err != nil {
		return false, fmt.Errorf("trade repo: upsert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("trade repo: upsert rows affected: %w", err)
	}
	return n == 1, nil
}
