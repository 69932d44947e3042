// Package config handles loading and validating configuration from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
)

// Config holds all configuration values for the paper-trading engine.
type Config struct {
	// HTTP
	Port int

	// Storage: Postgres wins over SQLite; neither means in-memory.
	DatabaseURL string
	SQLitePath  string
	RedisURL    string
	CacheTTL    time.Duration

	// Quotes
	CLOBURL      string
	QuoteTimeout time.Duration

	// Ledger
	BaselineBalance   decimal.Decimal
	SettlementPnLMode string

	// Mark refresher (cron spec, empty disables)
	MarkSchedule string

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables with fallback to .env file.
// Priority order: Environment variables > .env file > hardcoded defaults
func Load() (*Config, error) {
	// Attempt to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port: getEnvInt("PORT", 8080),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		SQLitePath:  getEnv("SQLITE_PATH", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		CacheTTL:    getEnvDuration("CACHE_TTL", 30*time.Second),

		CLOBURL:      getEnv("CLOB_URL", "https://clob.polymarket.com"),
		QuoteTimeout: getEnvDuration("QUOTE_TIMEOUT", 5*time.Second),

		BaselineBalance:   getEnvDecimal("BASELINE_BALANCE", decimal.NewFromInt(10000)),
		SettlementPnLMode: getEnv("SETTLEMENT_PNL_MODE", "accumulate"),

		MarkSchedule: os.Getenv("MARK_SCHEDULE"),

		LogLevel: getEnv("LOG_LEVEL", "INFO"),
	}
	if _, set := os.LookupEnv("MARK_SCHEDULE"); !set {
		cfg.MarkSchedule = "@every 1m"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that configuration values are set and valid.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}

	if !c.BaselineBalance.IsPositive() {
		return fmt.Errorf("BASELINE_BALANCE must be positive")
	}

	if c.QuoteTimeout <= 0 {
		return fmt.Errorf("QUOTE_TIMEOUT must be positive")
	}

	switch strings.ToLower(c.SettlementPnLMode) {
	case "accumulate", "overwrite":
	default:
		return fmt.Errorf("SETTLEMENT_PNL_MODE must be accumulate or overwrite")
	}

	if c.MarkSchedule != "" {
		if _, err := cron.ParseStandard(c.MarkSchedule); err != nil {
			return fmt.Errorf("MARK_SCHEDULE: %w", err)
		}
	}

	return nil
}

// SlogLevel maps LogLevel to a slog level. Unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// StoreKind names the primary store the config selects.
func (c *Config) StoreKind() string {
	switch {
	case c.DatabaseURL != "":
		return "postgres"
	case c.SQLitePath != "":
		return "sqlite"
	}
	return "memory"
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

// getEnvDuration accepts Go duration syntax ("30s") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
