// Package data provides the SQLite-backed implementations of the store
// repository interfaces, plus the database connection/migration wrapper.
package data

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// DB wraps the sqlx database connection.
type DB struct {
	*sqlx.DB
}

// NewDB creates a new database connection and runs migrations.
func NewDB(databasePath string) (*DB, error) {
	dir := filepath.Dir(databasePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sqlx.Connect("sqlite", databasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Info().Str("path", databasePath).Msg("Connected to database")

	wrapper := &DB{db}
	if err := wrapper.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return wrapper, nil
}

// Migrate runs database migrations to ensure schema is up to date.
func (db *DB) Migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS candles (
		symbol TEXT NOT NULL,
		timeframe TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		open TEXT NOT NULL,
		high TEXT NOT NULL,
		low TEXT NOT NULL,
		close TEXT NOT NULL,
		volume INTEGER NOT NULL,
		PRIMARY KEY (symbol, timeframe, timestamp)
	);
	CREATE INDEX IF NOT EXISTS idx_candles_symbol_tf_ts ON candles(symbol, timeframe, timestamp);

	CREATE TABLE IF NOT EXISTS trades (
		trade_id TEXT PRIMARY KEY,
		client_order_id TEXT NOT NULL UNIQUE,

		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		status TEXT NOT NULL,

		entry_price TEXT NOT NULL DEFAULT '0',
		entry_qty TEXT NOT NULL DEFAULT '0',
		entry_value TEXT NOT NULL DEFAULT '0',
		entry_timestamp DATETIME,

		entry_htf_low TEXT NOT NULL DEFAULT '0',
		entry_htf_high TEXT NOT NULL DEFAULT '0',
		entry_itf_low TEXT NOT NULL DEFAULT '0',
		entry_itf_high TEXT NOT NULL DEFAULT '0',
		entry_ltf_low TEXT NOT NULL DEFAULT '0',
		entry_ltf_high TEXT NOT NULL DEFAULT '0',
		exit_primary_price TEXT NOT NULL DEFAULT '0',
		effective_floor TEXT NOT NULL DEFAULT '0',

		trailing_active INTEGER NOT NULL DEFAULT 0,
		trailing_highest_price TEXT NOT NULL DEFAULT '0',
		trailing_stop_price TEXT NOT NULL DEFAULT '0',

		exit_price TEXT NOT NULL DEFAULT '0',
		exit_timestamp DATETIME,
		exit_trigger TEXT NOT NULL DEFAULT '',
		exit_order_id TEXT NOT NULL DEFAULT '',

		realized_pnl TEXT NOT NULL DEFAULT '0',
		realized_log_return TEXT NOT NULL DEFAULT '0',
		holding_days TEXT NOT NULL DEFAULT '0',

		broker_order_id TEXT NOT NULL DEFAULT '',
		last_broker_update_at DATETIME,

		user_id TEXT NOT NULL DEFAULT '',
		user_broker_id TEXT NOT NULL DEFAULT '',
		signal_id TEXT NOT NULL DEFAULT '',

		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		deleted_at DATETIME,
		version INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);
	CREATE INDEX IF NOT EXISTS idx_trades_broker_order_id ON trades(broker_order_id);
	CREATE INDEX IF NOT EXISTS idx_trades_user_symbol ON trades(user_id, symbol);

	CREATE TABLE IF NOT EXISTS exit_intents (
		exit_intent_id TEXT PRIMARY KEY,
		trade_id TEXT NOT NULL,
		user_broker_id TEXT NOT NULL,
		exit_reason TEXT NOT NULL,
		order_type TEXT NOT NULL,
		product_type TEXT NOT NULL DEFAULT '',
		calculated_qty TEXT NOT NULL DEFAULT '0',
		limit_price TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		broker_order_id TEXT NOT NULL DEFAULT '',
		placed_at DATETIME,
		failure_code TEXT NOT NULL DEFAULT '',
		failure_message TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_exit_intents_status ON exit_intents(status);
	CREATE INDEX IF NOT EXISTS idx_exit_intents_trade_id ON exit_intents(trade_id);

	CREATE TABLE IF NOT EXISTS signals (
		signal_id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		htf_low TEXT NOT NULL DEFAULT '0',
		htf_high TEXT NOT NULL DEFAULT '0',
		itf_low TEXT NOT NULL DEFAULT '0',
		itf_high TEXT NOT NULL DEFAULT '0',
		ltf_low TEXT NOT NULL DEFAULT '0',
		ltf_high TEXT NOT NULL DEFAULT '0',
		effective_floor TEXT NOT NULL DEFAULT '0',
		effective_ceiling TEXT NOT NULL DEFAULT '0',
		confluence_score TEXT NOT NULL DEFAULT '0',
		confluence_type TEXT NOT NULL DEFAULT ''
	);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	log.Info().Msg("Database migrations complete")
	return nil
}
