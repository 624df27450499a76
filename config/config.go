// Package config provides configuration management for the Sherwood trading engine.
// It loads settings from environment variables and .env files.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DataFeedMode selects how ticks reach the TickCandleBuilder.
type DataFeedMode string

const (
	// FeedDirect subscribes the BrokerAdapter's own WebSocket directly.
	FeedDirect DataFeedMode = "DIRECT"
	// FeedRelay consumes ticks forwarded by an upstream relay service.
	FeedRelay DataFeedMode = "RELAY"
)

// validLogLevels is the set of accepted zerolog log levels.
var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true,
	"warn": true, "error": true, "fatal": true,
	"panic": true, "disabled": true,
}

var validFeedModes = map[DataFeedMode]bool{
	FeedDirect: true,
	FeedRelay:  true,
}

// ValidationError holds multiple configuration validation errors.
// It aggregates all issues so operators can fix everything in one pass.
type ValidationError struct {
	Errors []string
}

// Error returns a formatted multi-line error message listing all issues.
func (ve *ValidationError) Error() string {
	return fmt.Sprintf("%d configuration error(s):\n  - %s",
		len(ve.Errors), strings.Join(ve.Errors, "\n  - "))
}

// ReloadChange describes a single configuration change detected during hot-reload.
type ReloadChange struct {
	Field    string      `json:"field"`
	OldValue interface{} `json:"old_value"`
	NewValue interface{} `json:"new_value"`
	Applied  bool        `json:"applied"`
}

// ReloadResult summarizes what happened during a configuration hot-reload.
type ReloadResult struct {
	Changes         []ReloadChange `json:"changes"`
	RequiresRestart bool           `json:"requires_restart"`
	RestartReasons  []string       `json:"restart_reasons,omitempty"`
}

// Config holds all configuration for the Sherwood trading engine.
type Config struct {
	mu sync.RWMutex // protects hot-reloadable fields during concurrent access

	// Server settings
	ServerPort int
	ServerHost string
	APIKey     string

	AllowedOrigins []string

	// Trading control
	TradingEnabled bool // TRADING_ENABLED — the process-wide order-placement gate

	// Market data feed
	DataFeedMode DataFeedMode // DIRECT or RELAY
	RelayURL     string       // only used when DataFeedMode == RELAY
	BrokerWSURL  string       // adapter-specific WebSocket override

	// Session window (exchange local time, HH:MM)
	SessionStart    string
	SessionEnd      string
	SessionTimezone string

	// Symbols is the fixed watchlist this process trades and subscribes
	// ticks for (the per-user Watchlist repository is out of scope here).
	Symbols []string

	// Database
	DatabasePath string

	// Broker credentials
	BinanceAPIKey    string
	BinanceAPISecret string
	UseBinanceUS     bool

	// Logging
	LogLevel string

	// Reconciler tuning
	PendingReconcilerPeriod       time.Duration
	PendingReconcilerInitialDelay time.Duration
	PendingOrderTimeout           time.Duration
	ExitReconcilerPeriod          time.Duration
	ExitReconcilerInitialDelay    time.Duration
	PlacedOrderTimeout            time.Duration
	ReconcilerConcurrency         int

	// Exit condition evaluator
	MaxHoldingDays int

	// Candle store
	CandleCacheSize int

	// Shutdown settings
	CloseOnShutdown bool
	ShutdownTimeout time.Duration

	// Internal settings
	EnvFile string
}

// Load reads configuration from environment variables and .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort: getEnvInt("PORT", 8099),
		ServerHost: getEnv("HOST", "0.0.0.0"),
		APIKey:     os.Getenv("API_KEY"),

		AllowedOrigins: parseList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:8080")),

		TradingEnabled: getEnvBool("TRADING_ENABLED", false),

		DataFeedMode: DataFeedMode(strings.ToUpper(getEnv("DATA_FEED_MODE", string(FeedDirect)))),
		RelayURL:     getEnv("RELAY_URL", ""),
		BrokerWSURL:  getEnv("BROKER_WS_URL", ""),

		SessionStart:    getEnv("SESSION_START", "09:15"),
		SessionEnd:      getEnv("SESSION_END", "15:30"),
		SessionTimezone: getEnv("SESSION_TIMEZONE", "Asia/Kolkata"),

		Symbols: parseList(getEnv("SYMBOLS", "BTCUSDT")),

		DatabasePath: getEnv("DATABASE_PATH", "./data/sherwood.db"),

		BinanceAPIKey:    os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret: os.Getenv("BINANCE_API_SECRET"),
		UseBinanceUS:     getEnvBool("BINANCE_USE_US", true),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		PendingReconcilerPeriod:       getEnvDuration("PENDING_RECONCILER_PERIOD", 30*time.Second),
		PendingReconcilerInitialDelay: getEnvDuration("PENDING_RECONCILER_INITIAL_DELAY", 10*time.Second),
		PendingOrderTimeout:           getEnvDuration("PENDING_ORDER_TIMEOUT", 10*time.Minute),
		ExitReconcilerPeriod:          getEnvDuration("EXIT_RECONCILER_PERIOD", 30*time.Second),
		ExitReconcilerInitialDelay:    getEnvDuration("EXIT_RECONCILER_INITIAL_DELAY", 15*time.Second),
		PlacedOrderTimeout:            getEnvDuration("PLACED_ORDER_TIMEOUT", 10*time.Minute),
		ReconcilerConcurrency:         getEnvInt("RECONCILER_CONCURRENCY", 5),

		MaxHoldingDays: getEnvInt("MAX_HOLDING_DAYS", 30),

		CandleCacheSize: getEnvInt("CANDLE_CACHE_SIZE", 500),

		CloseOnShutdown: getEnvBool("CLOSE_ON_SHUTDOWN", false),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		EnvFile: ".env",
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate performs comprehensive configuration validation with fail-fast
// behavior. All errors are aggregated and returned as a single
// ValidationError so operators can fix everything in one pass.
func (c *Config) Validate() error {
	var errs []string

	if c.ServerPort < 1 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Sprintf("invalid PORT %d: must be between 1 and 65535", c.ServerPort))
	}
	if c.DatabasePath == "" {
		errs = append(errs, "DATABASE_PATH is empty: set DATABASE_PATH in .env (e.g., DATABASE_PATH=./data/sherwood.db)")
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("invalid LOG_LEVEL '%s': must be one of trace, debug, info, warn, error, fatal, panic, disabled", c.LogLevel))
	}
	if !validFeedModes[c.DataFeedMode] {
		errs = append(errs, fmt.Sprintf("invalid DATA_FEED_MODE '%s': must be DIRECT or RELAY", c.DataFeedMode))
	} else if c.DataFeedMode == FeedRelay && c.RelayURL == "" {
		errs = append(errs, "DATA_FEED_MODE=RELAY requires RELAY_URL")
	}

	if _, err := parseSessionClock(c.SessionStart, c.SessionEnd, c.SessionTimezone); err != nil {
		errs = append(errs, err.Error())
	}

	if c.BinanceAPIKey == "" {
		errs = append(errs, "BINANCE_API_KEY is required: set BINANCE_API_KEY in .env")
	}
	if c.BinanceAPISecret == "" {
		errs = append(errs, "BINANCE_API_SECRET is required: set BINANCE_API_SECRET in .env")
	}

	if c.PendingReconcilerPeriod <= 0 {
		errs = append(errs, "PENDING_RECONCILER_PERIOD must be positive")
	}
	if c.ExitReconcilerPeriod <= 0 {
		errs = append(errs, "EXIT_RECONCILER_PERIOD must be positive")
	}
	if c.ReconcilerConcurrency < 1 {
		errs = append(errs, "RECONCILER_CONCURRENCY must be at least 1")
	}
	if c.MaxHoldingDays < 1 {
		errs = append(errs, "MAX_HOLDING_DAYS must be at least 1")
	}

	if c.TradingEnabled && c.APIKey == "" {
		errs = append(errs, "TRADING_ENABLED=true requires API_KEY: set API_KEY in .env")
	}

	if len(c.Symbols) == 0 {
		errs = append(errs, "SYMBOLS is empty: set SYMBOLS in .env (e.g., SYMBOLS=BTCUSDT,ETHUSDT)")
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// parseSessionClock validates start/end "HH:MM" strings and tz against
// time.LoadLocation, without constructing a sessionclock.Clock (config has
// no dependency on that package; main wires the parsed values into one).
func parseSessionClock(start, end, tz string) (struct{ sh, sm, eh, em int }, error) {
	var out struct{ sh, sm, eh, em int }
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return out, fmt.Errorf("invalid SESSION_TIMEZONE '%s': %w", tz, err)
	}
	_ = loc
	sh, sm, err := parseHHMM(start)
	if err != nil {
		return out, fmt.Errorf("invalid SESSION_START '%s': %w", start, err)
	}
	eh, em, err := parseHHMM(end)
	if err != nil {
		return out, fmt.Errorf("invalid SESSION_END '%s': %w", end, err)
	}
	out.sh, out.sm, out.eh, out.em = sh, sm, eh, em
	return out, nil
}

func parseHHMM(s string) (int, int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected HH:MM")
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("expected hour 0-23")
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("expected minute 0-59")
	}
	return h, m, nil
}

// SessionHours returns the parsed session start/end hour and minute, and
// the *time.Location, for wiring into a sessionclock.Clock. Called only
// after Validate has already confirmed these parse cleanly.
func (c *Config) SessionHours() (startHour, startMinute, endHour, endMinute int, loc *time.Location) {
	loc, _ = time.LoadLocation(c.SessionTimezone)
	parsed, _ := parseSessionClock(c.SessionStart, c.SessionEnd, c.SessionTimezone)
	return parsed.sh, parsed.sm, parsed.eh, parsed.em, loc
}

// IsDirectFeed reports whether the configured feed mode subscribes the
// broker adapter's own WebSocket directly.
func (c *Config) IsDirectFeed() bool {
	return c.DataFeedMode == FeedDirect
}

// Reload re-reads configuration from environment variables and .env files,
// applying only hot-reloadable fields to the live config. Structural fields
// (server port and host, database path, feed mode, session window, candle
// cache size, symbols) are detected but NOT applied — the caller receives a
// RestartRequired advisory.
//
// Hot-reloadable fields: LogLevel, TradingEnabled, CloseOnShutdown,
// ShutdownTimeout, AllowedOrigins, reconciler periods/timeouts, broker
// credentials. Changes to any other field (reconciler concurrency and
// initial delays, MaxHoldingDays, RelayURL, BrokerWSURL, UseBinanceUS,
// APIKey) are neither applied nor reported.
func (c *Config) Reload() (*ReloadResult, error) {
	envFile := c.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	_ = godotenv.Overload(envFile)

	newCfg := &Config{
		ServerPort:     getEnvInt("PORT", 8099),
		ServerHost:     getEnv("HOST", "0.0.0.0"),
		APIKey:         os.Getenv("API_KEY"),
		AllowedOrigins: parseList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:8080")),

		TradingEnabled: getEnvBool("TRADING_ENABLED", false),

		DataFeedMode: DataFeedMode(strings.ToUpper(getEnv("DATA_FEED_MODE", string(FeedDirect)))),
		RelayURL:     getEnv("RELAY_URL", ""),
		BrokerWSURL:  getEnv("BROKER_WS_URL", ""),

		SessionStart:    getEnv("SESSION_START", "09:15"),
		SessionEnd:      getEnv("SESSION_END", "15:30"),
		SessionTimezone: getEnv("SESSION_TIMEZONE", "Asia/Kolkata"),

		Symbols: parseList(getEnv("SYMBOLS", "BTCUSDT")),

		DatabasePath: getEnv("DATABASE_PATH", "./data/sherwood.db"),

		BinanceAPIKey:    os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret: os.Getenv("BINANCE_API_SECRET"),
		UseBinanceUS:     getEnvBool("BINANCE_USE_US", true),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		PendingReconcilerPeriod:       getEnvDuration("PENDING_RECONCILER_PERIOD", 30*time.Second),
		PendingReconcilerInitialDelay: getEnvDuration("PENDING_RECONCILER_INITIAL_DELAY", 10*time.Second),
		PendingOrderTimeout:           getEnvDuration("PENDING_ORDER_TIMEOUT", 10*time.Minute),
		ExitReconcilerPeriod:          getEnvDuration("EXIT_RECONCILER_PERIOD", 30*time.Second),
		ExitReconcilerInitialDelay:    getEnvDuration("EXIT_RECONCILER_INITIAL_DELAY", 15*time.Second),
		PlacedOrderTimeout:            getEnvDuration("PLACED_ORDER_TIMEOUT", 10*time.Minute),
		ReconcilerConcurrency:         getEnvInt("RECONCILER_CONCURRENCY", 5),

		MaxHoldingDays:  getEnvInt("MAX_HOLDING_DAYS", 30),
		CandleCacheSize: getEnvInt("CANDLE_CACHE_SIZE", 500),

		CloseOnShutdown: getEnvBool("CLOSE_ON_SHUTDOWN", false),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		EnvFile: envFile,
	}

	if err := newCfg.Validate(); err != nil {
		return nil, fmt.Errorf("reloaded config validation failed: %w", err)
	}

	result := &ReloadResult{Changes: make([]ReloadChange, 0)}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.detectRestartChange(result, "ServerPort", c.ServerPort, newCfg.ServerPort)
	c.detectRestartChange(result, "ServerHost", c.ServerHost, newCfg.ServerHost)
	c.detectRestartChange(result, "DatabasePath", c.DatabasePath, newCfg.DatabasePath)
	c.detectRestartChange(result, "DataFeedMode", string(c.DataFeedMode), string(newCfg.DataFeedMode))
	c.detectRestartChange(result, "SessionStart", c.SessionStart, newCfg.SessionStart)
	c.detectRestartChange(result, "SessionEnd", c.SessionEnd, newCfg.SessionEnd)
	c.detectRestartChange(result, "SessionTimezone", c.SessionTimezone, newCfg.SessionTimezone)
	c.detectRestartChange(result, "CandleCacheSize", c.CandleCacheSize, newCfg.CandleCacheSize)
	c.detectRestartChange(result, "Symbols", strings.Join(c.Symbols, ","), strings.Join(newCfg.Symbols, ","))

	c.applyBool(result, "TradingEnabled", &c.TradingEnabled, newCfg.TradingEnabled)
	c.applyBool(result, "CloseOnShutdown", &c.CloseOnShutdown, newCfg.CloseOnShutdown)

	if c.LogLevel != newCfg.LogLevel {
		result.Changes = append(result.Changes, ReloadChange{Field: "LogLevel", OldValue: c.LogLevel, NewValue: newCfg.LogLevel, Applied: true})
		c.LogLevel = newCfg.LogLevel
		if lvl, err := zerolog.ParseLevel(newCfg.LogLevel); err == nil {
			zerolog.SetGlobalLevel(lvl)
		}
	}
	if c.ShutdownTimeout != newCfg.ShutdownTimeout {
		result.Changes = append(result.Changes, ReloadChange{Field: "ShutdownTimeout", OldValue: c.ShutdownTimeout.String(), NewValue: newCfg.ShutdownTimeout.String(), Applied: true})
		c.ShutdownTimeout = newCfg.ShutdownTimeout
	}
	if !stringSlicesEqual(c.AllowedOrigins, newCfg.AllowedOrigins) {
		result.Changes = append(result.Changes, ReloadChange{Field: "AllowedOrigins", OldValue: c.AllowedOrigins, NewValue: newCfg.AllowedOrigins, Applied: true})
		c.AllowedOrigins = newCfg.AllowedOrigins
	}
	if c.PendingReconcilerPeriod != newCfg.PendingReconcilerPeriod {
		result.Changes = append(result.Changes, ReloadChange{Field: "PendingReconcilerPeriod", OldValue: c.PendingReconcilerPeriod.String(), NewValue: newCfg.PendingReconcilerPeriod.String(), Applied: true})
		c.PendingReconcilerPeriod = newCfg.PendingReconcilerPeriod
	}
	if c.ExitReconcilerPeriod != newCfg.ExitReconcilerPeriod {
		result.Changes = append(result.Changes, ReloadChange{Field: "ExitReconcilerPeriod", OldValue: c.ExitReconcilerPeriod.String(), NewValue: newCfg.ExitReconcilerPeriod.String(), Applied: true})
		c.ExitReconcilerPeriod = newCfg.ExitReconcilerPeriod
	}
	if c.PendingOrderTimeout != newCfg.PendingOrderTimeout {
		result.Changes = append(result.Changes, ReloadChange{Field: "PendingOrderTimeout", OldValue: c.PendingOrderTimeout.String(), NewValue: newCfg.PendingOrderTimeout.String(), Applied: true})
		c.PendingOrderTimeout = newCfg.PendingOrderTimeout
	}
	if c.PlacedOrderTimeout != newCfg.PlacedOrderTimeout {
		result.Changes = append(result.Changes, ReloadChange{Field: "PlacedOrderTimeout", OldValue: c.PlacedOrderTimeout.String(), NewValue: newCfg.PlacedOrderTimeout.String(), Applied: true})
		c.PlacedOrderTimeout = newCfg.PlacedOrderTimeout
	}

	if c.BinanceAPIKey != newCfg.BinanceAPIKey {
		result.Changes = append(result.Changes, ReloadChange{Field: "BinanceAPIKey", OldValue: "[redacted]", NewValue: "[redacted]", Applied: true})
		c.BinanceAPIKey = newCfg.BinanceAPIKey
	}
	if c.BinanceAPISecret != newCfg.BinanceAPISecret {
		result.Changes = append(result.Changes, ReloadChange{Field: "BinanceAPISecret", OldValue: "[redacted]", NewValue: "[redacted]", Applied: true})
		c.BinanceAPISecret = newCfg.BinanceAPISecret
	}

	log.Info().
		Int("total_changes", len(result.Changes)).
		Bool("requires_restart", result.RequiresRestart).
		Msg("Configuration reloaded")

	return result, nil
}

func (c *Config) applyBool(result *ReloadResult, field string, target *bool, newVal bool) {
	if *target != newVal {
		result.Changes = append(result.Changes, ReloadChange{Field: field, OldValue: *target, NewValue: newVal, Applied: true})
		*target = newVal
	}
}

// detectRestartChange checks if a field value changed and records it as a
// restart-required change (not applied to the live config).
func (c *Config) detectRestartChange(result *ReloadResult, field string, oldVal, newVal interface{}) {
	if fmt.Sprintf("%v", oldVal) != fmt.Sprintf("%v", newVal) {
		result.Changes = append(result.Changes, ReloadChange{
			Field:    field,
			OldValue: oldVal,
			NewValue: newVal,
			Applied:  false,
		})
		result.RequiresRestart = true
		result.RestartReasons = append(result.RestartReasons, field+" changed")
	}
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an environment variable as an integer or returns a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvBool retrieves an environment variable as a bool or returns a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration retrieves an environment variable as a time.Duration or returns a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// parseList parses a comma-separated list, trimming whitespace and
// discarding empty elements.
func parseList(s string) []string {
	if s == "" {
		return []string{}
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// GenerateAPIKey generates a secure random API key of 32 bytes (64 hex characters).
func GenerateAPIKey() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// RotateAPIKey generates a new API key, updates the config, and saves it to the .env file.
func (c *Config) RotateAPIKey() (string, error) {
	newKey, err := GenerateAPIKey()
	if err != nil {
		return "", err
	}

	c.APIKey = newKey

	envFile := c.EnvFile
	if envFile == "" {
		envFile = ".env"
	}

	content, err := os.ReadFile(envFile)
	if err != nil {
		if os.IsNotExist(err) {
			return newKey, os.WriteFile(envFile, []byte("API_KEY="+newKey+"\n"), 0644)
		}
		return "", err
	}

	lines := strings.Split(string(content), "\n")
	found := false
	for i, line := range lines {
		if strings.HasPrefix(line, "API_KEY=") {
			lines[i] = "API_KEY=" + newKey
			found = true
			break
		}
	}
	if !found {
		lines = append(lines, "API_KEY="+newKey)
	}

	if err := os.WriteFile(envFile, []byte(strings.Join(lines, "\n")), 0644); err != nil {
		return "", fmt.Errorf("failed to write .env file: %w", err)
	}
	return newKey, nil
}
