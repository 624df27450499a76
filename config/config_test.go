package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseList(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected []string
	}{
		{name: "single value", input: "AAPL", expected: []string{"AAPL"}},
		{name: "multiple values", input: "AAPL,MSFT,SPY", expected: []string{"AAPL", "MSFT", "SPY"}},
		{name: "values with spaces", input: "AAPL , MSFT , SPY", expected: []string{"AAPL", "MSFT", "SPY"}},
		{name: "empty string", input: "", expected: []string{}},
		{name: "single value with spaces", input: "  AAPL  ", expected: []string{"AAPL"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, parseList(tc.input))
		})
	}
}

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("BINANCE_API_KEY", "test-key")
	t.Setenv("BINANCE_API_SECRET", "test-secret")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8099, cfg.ServerPort)
	assert.False(t, cfg.TradingEnabled)
	assert.Equal(t, FeedDirect, cfg.DataFeedMode)
	assert.Equal(t, "09:15", cfg.SessionStart)
	assert.Equal(t, "15:30", cfg.SessionEnd)
	assert.Equal(t, 30*time.Second, cfg.PendingReconcilerPeriod)
	assert.Equal(t, 10*time.Minute, cfg.PendingOrderTimeout)
	assert.Equal(t, 5, cfg.ReconcilerConcurrency)
	assert.Equal(t, 30, cfg.MaxHoldingDays)
	assert.Equal(t, 500, cfg.CandleCacheSize)
}

func TestLoad_MissingBrokerCredentials(t *testing.T) {
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BINANCE_API_KEY")
}

func TestValidate_RelayRequiresURL(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DATA_FEED_MODE", "RELAY")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RELAY_URL")
}

func TestValidate_BadPort(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "0")

	_, err := Load()
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestValidate_BadSessionWindow(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SESSION_START", "not-a-time")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SESSION_START")
}

func TestValidate_TradingEnabledRequiresAPIKey(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TRADING_ENABLED", "true")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API_KEY")
}

func TestSessionHours(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SESSION_START", "09:15")
	t.Setenv("SESSION_END", "15:30")
	t.Setenv("SESSION_TIMEZONE", "UTC")

	cfg, err := Load()
	require.NoError(t, err)

	sh, sm, eh, em, loc := cfg.SessionHours()
	assert.Equal(t, 9, sh)
	assert.Equal(t, 15, sm)
	assert.Equal(t, 15, eh)
	assert.Equal(t, 30, em)
	assert.Equal(t, "UTC", loc.String())
}

func TestReload_HotReloadableFieldsApplied(t *testing.T) {
	setRequiredEnv(t)
	cfg, err := Load()
	require.NoError(t, err)

	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("TRADING_ENABLED", "true")
	t.Setenv("API_KEY", "rotated-key")

	result, err := cfg.Reload()
	require.NoError(t, err)
	assert.False(t, result.RequiresRestart)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.TradingEnabled)
}

func TestReload_StructuralFieldRequiresRestart(t *testing.T) {
	setRequiredEnv(t)
	cfg, err := Load()
	require.NoError(t, err)

	t.Setenv("DATABASE_PATH", "./data/other.db")

	result, err := cfg.Reload()
	require.NoError(t, err)
	assert.True(t, result.RequiresRestart)
	assert.NotEqual(t, "./data/other.db", cfg.DatabasePath)
}

func TestGenerateAPIKey(t *testing.T) {
	key1, err := GenerateAPIKey()
	require.NoError(t, err)
	key2, err := GenerateAPIKey()
	require.NoError(t, err)

	assert.Len(t, key1, 64)
	assert.NotEqual(t, key1, key2)
}
