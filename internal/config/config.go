// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// WormConfig holds the S3-compatible retention bucket configuration.
// All fields empty means no object store is configured and the in-memory
// write-once store is used (development only).
type WormConfig struct {
	KeyID    string
	Secret   string
	Endpoint string // host; https is assumed
	Region   string
	Bucket   string
	Prefix   string // key prefix, default "audit"

	// Retention is the compliance-mode object lock window applied on write.
	// Default is 7 years.
	Retention time.Duration
}

// Configured returns true when all required S3 fields are set.
func (w *WormConfig) Configured() bool {
	return w.KeyID != "" && w.Secret != "" && w.Endpoint != "" &&
		w.Region != "" && w.Bucket != ""
}

// QueueConfig holds durable queue tuning.
type QueueConfig struct {
	Concurrency   int
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	PollInterval  time.Duration
	ClaimLease    time.Duration
	SweepInterval time.Duration
}

// Config holds the configuration for the audit pipeline service.
type Config struct {
	LedgerDBPath string // path to the SQLite ledger file
	ListenAddr   string // HTTP listen address (default ":8080")
	LogLevel     string // debug, info, warn, error (default "info")
	Env          string // "development" (default) or "production"

	Worm  WormConfig
	Queue QueueConfig

	// SLABudget is the per-job processing-time budget; breach is
	// observability only.
	SLABudget time.Duration

	// VerifySchedule is a cron expression for periodic chain verification;
	// empty disables the scheduled job. VerifyLimit <= 0 checks the whole
	// ledger per run.
	VerifySchedule string
	VerifyLimit    int64

	// Rate limiting for the admin API.
	RateLimitRPS   float64
	RateLimitBurst int

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when the service runs in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		LedgerDBPath: os.Getenv("LEDGER_DB_PATH"),
		ListenAddr:   os.Getenv("LISTEN_ADDR"),
		LogLevel:     os.Getenv("LOG_LEVEL"),
		Env:          os.Getenv("ENV"),
		Worm: WormConfig{
			KeyID:    os.Getenv("WORM_KEY_ID"),
			Secret:   os.Getenv("WORM_SECRET"),
			Endpoint: os.Getenv("WORM_ENDPOINT"),
			Region:   os.Getenv("WORM_REGION"),
			Bucket:   os.Getenv("WORM_BUCKET"),
			Prefix:   os.Getenv("WORM_PREFIX"),
		},
		Queue: QueueConfig{
			Concurrency:   parseIntEnv("QUEUE_CONCURRENCY"),
			MaxAttempts:   parseIntEnv("QUEUE_MAX_ATTEMPTS"),
			BackoffBase:   parseMillisEnv("QUEUE_BACKOFF_BASE_MS"),
			BackoffMax:    parseMillisEnv("QUEUE_BACKOFF_MAX_MS"),
			PollInterval:  parseMillisEnv("QUEUE_POLL_INTERVAL_MS"),
			ClaimLease:    parseMillisEnv("QUEUE_CLAIM_LEASE_MS"),
			SweepInterval: parseMillisEnv("QUEUE_SWEEP_INTERVAL_MS"),
		},
		SLABudget:      parseMillisEnv("SLA_BUDGET_MS"),
		VerifySchedule: os.Getenv("VERIFY_SCHEDULE"),
		VerifyLimit:    int64(parseIntEnv("VERIFY_LIMIT")),
	}

	if v := os.Getenv("WORM_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			cfg.Worm.Retention = time.Duration(days) * 24 * time.Hour
		}
	}
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimitRPS = f
		}
	}
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitBurst = n
		}
	}

	// Defaults
	if cfg.LedgerDBPath == "" {
		cfg.LedgerDBPath = "audit_ledger.sqlite"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Worm.Prefix == "" {
		cfg.Worm.Prefix = "audit"
	}
	if cfg.Worm.Retention == 0 {
		cfg.Worm.Retention = 7 * 365 * 24 * time.Hour
	}
	if cfg.SLABudget == 0 {
		cfg.SLABudget = 150 * time.Millisecond
	}
	if cfg.VerifySchedule == "" {
		cfg.VerifySchedule = "@every 30m"
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 50
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = 100
	}

	if !cfg.Worm.Configured() {
		cfg.Warnings = append(cfg.Warnings,
			"WORM object store not configured; snapshots are held in memory and will not survive a restart")
	}

	// Production mode: insecure defaults are fatal errors.
	if cfg.IsProduction() {
		if !cfg.Worm.Configured() {
			return nil, fmt.Errorf("WORM object store must be configured in production (set WORM_KEY_ID/WORM_SECRET/WORM_ENDPOINT/WORM_REGION/WORM_BUCKET)")
		}
		if cfg.LedgerDBPath == "audit_ledger.sqlite" {
			cfg.Warnings = append(cfg.Warnings,
				"LEDGER_DB_PATH not set; using the working-directory default in production")
		}
	}

	return cfg, nil
}

func parseIntEnv(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func parseMillisEnv(key string) time.Duration {
	return time.Duration(parseIntEnv(key)) * time.Millisecond
}

// LoadDotEnv reads a .env file and sets any variables not already in the
// environment. Lines must be in KEY=VALUE format. Comments (#) and blank
// lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = stripQuotes(value)
		// Only set if not already in the environment (env vars take precedence)
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
// Only strips if both the first and last characters are matching quotes.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
