package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "DATABASE_URL", "SQLITE_PATH", "REDIS_URL", "CACHE_TTL",
		"CLOB_URL", "QUOTE_TIMEOUT", "BASELINE_BALANCE", "SETTLEMENT_PNL_MODE", "LOG_LEVEL"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "memory", cfg.StoreKind())
	assert.Equal(t, 30*time.Second, cfg.CacheTTL)
	assert.Equal(t, 5*time.Second, cfg.QuoteTimeout)
	assert.True(t, cfg.BaselineBalance.Equal(decimal.NewFromInt(10000)))
	assert.Equal(t, "accumulate", cfg.SettlementPnLMode)
	assert.Equal(t, "https://clob.polymarket.com", cfg.CLOBURL)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SQLITE_PATH", "/tmp/ledger.db")
	t.Setenv("QUOTE_TIMEOUT", "2")
	t.Setenv("CACHE_TTL", "1m")
	t.Setenv("BASELINE_BALANCE", "2500.50")
	t.Setenv("MARK_SCHEDULE", "*/5 * * * *")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "sqlite", cfg.StoreKind())
	assert.Equal(t, 2*time.Second, cfg.QuoteTimeout)
	assert.Equal(t, time.Minute, cfg.CacheTTL)
	assert.True(t, cfg.BaselineBalance.Equal(decimal.RequireFromString("2500.50")))
	assert.Equal(t, "*/5 * * * *", cfg.MarkSchedule)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestLoad_EmptyMarkScheduleDisables(t *testing.T) {
	t.Setenv("MARK_SCHEDULE", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.MarkSchedule)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Port:              8080,
			QuoteTimeout:      time.Second,
			BaselineBalance:   decimal.NewFromInt(100),
			SettlementPnLMode: "accumulate",
			MarkSchedule:      "@every 1m",
		}
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(c *Config){
		"port":     func(c *Config) { c.Port = 0 },
		"baseline": func(c *Config) { c.BaselineBalance = decimal.Zero },
		"timeout":  func(c *Config) { c.QuoteTimeout = 0 },
		"pnl mode": func(c *Config) { c.SettlementPnLMode = "replace" },
		"schedule": func(c *Config) { c.MarkSchedule = "sometimes" },
	}
	for name, mutate := range cases {
		c := valid()
		mutate(c)
		assert.Error(t, c.Validate(), name)
	}
}

func TestStoreKind_PostgresWins(t *testing.T) {
	c := &Config{DatabaseURL: "postgres://x", SQLitePath: "/tmp/x.db"}
	assert.Equal(t, "postgres", c.StoreKind())
}
