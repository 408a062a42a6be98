package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "audit_ledger.sqlite", cfg.LedgerDBPath)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "audit", cfg.Worm.Prefix)
	assert.Equal(t, 7*365*24*time.Hour, cfg.Worm.Retention)
	assert.Equal(t, 150*time.Millisecond, cfg.SLABudget)
	assert.Equal(t, "@every 30m", cfg.VerifySchedule)
	assert.False(t, cfg.IsProduction())
	assert.NotEmpty(t, cfg.Warnings, "unconfigured object store should warn")
}

func TestLoadFromEnv_Values(t *testing.T) {
	clearEnv(t)
	t.Setenv("LEDGER_DB_PATH", "/var/lib/audit/ledger.db")
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("QUEUE_CONCURRENCY", "8")
	t.Setenv("QUEUE_BACKOFF_BASE_MS", "250")
	t.Setenv("SLA_BUDGET_MS", "75")
	t.Setenv("WORM_RETENTION_DAYS", "30")
	t.Setenv("VERIFY_LIMIT", "1000")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/audit/ledger.db", cfg.LedgerDBPath)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, 8, cfg.Queue.Concurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.BackoffBase)
	assert.Equal(t, 75*time.Millisecond, cfg.SLABudget)
	assert.Equal(t, 30*24*time.Hour, cfg.Worm.Retention)
	assert.Equal(t, int64(1000), cfg.VerifyLimit)
}

func TestLoadFromEnv_ProductionRequiresWorm(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV", "production")

	_, err := LoadFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WORM object store")
}

func TestLoadFromEnv_ProductionWithWorm(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV", "production")
	t.Setenv("WORM_KEY_ID", "AKIA123")
	t.Setenv("WORM_SECRET", "secret")
	t.Setenv("WORM_ENDPOINT", "s3.eu-west-1.amazonaws.com")
	t.Setenv("WORM_REGION", "eu-west-1")
	t.Setenv("WORM_BUCKET", "audit-worm")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.True(t, cfg.Worm.Configured())
}

func TestSlogLevel(t *testing.T) {
	cases := map[string]string{
		"debug": "DEBUG",
		"info":  "INFO",
		"warn":  "WARN",
		"error": "ERROR",
		"bogus": "INFO",
	}
	for in, want := range cases {
		cfg := &Config{LogLevel: in}
		assert.Equal(t, want, cfg.SlogLevel().String(), "level %q", in)
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nLISTEN_ADDR=:7070\nLOG_LEVEL=\"debug\"\n\nBADLINE\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	// Pre-set variables win over the .env file.
	t.Setenv("LOG_LEVEL", "warn")

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, ":7070", os.Getenv("LISTEN_ADDR"))
	assert.Equal(t, "warn", os.Getenv("LOG_LEVEL"))
}

func TestLoadDotEnv_Missing(t *testing.T) {
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "nope.env")))
}

func TestStripQuotes(t *testing.T) {
	assert.Equal(t, "abc", stripQuotes(`"abc"`))
	assert.Equal(t, "abc", stripQuotes(`'abc'`))
	assert.Equal(t, `"abc`, stripQuotes(`"abc`))
	assert.Equal(t, "", stripQuotes(""))
}

// clearEnv unsets every variable the loader reads so tests see a clean slate.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"LEDGER_DB_PATH", "LISTEN_ADDR", "LOG_LEVEL", "ENV",
		"WORM_KEY_ID", "WORM_SECRET", "WORM_ENDPOINT", "WORM_REGION",
		"WORM_BUCKET", "WORM_PREFIX", "WORM_RETENTION_DAYS",
		"QUEUE_CONCURRENCY", "QUEUE_MAX_ATTEMPTS", "QUEUE_BACKOFF_BASE_MS",
		"QUEUE_BACKOFF_MAX_MS", "QUEUE_POLL_INTERVAL_MS", "QUEUE_CLAIM_LEASE_MS",
		"QUEUE_SWEEP_INTERVAL_MS", "SLA_BUDGET_MS", "VERIFY_SCHEDULE",
		"VERIFY_LIMIT", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}
