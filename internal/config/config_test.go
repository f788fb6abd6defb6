package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeTemp(t, "alphatilt.yaml", `
storage:
  driver: "sqlite"
  sqlite_path: "/tmp/alphatilt/panel.db"
  panel_table: "portfolio_data"
  query_timeout: 10s
server:
  host: "0.0.0.0"
  port: 8080
  grpc_port: 9090
logging:
  level: "debug"
  format: "text"
backtest:
  ridge_alpha: 0.5
  label_horizon_months: 3
  beta_window: 6
  workers: 2
  run_timeout: 2m
session:
  backend: "memory"
  ttl: 1h
  max_sessions: 10
breaker:
  enabled: true
  consecutive_failures: 5
ratelimit:
  per_minute: 12
`)

	for _, k := range []string{"DB_URL", "ALPHATILT_DSN", "STORAGE_DRIVER", "SQLITE_PATH", "PORT", "LOG_LEVEL", "SESSION_BACKEND"} {
		t.Setenv(k, "")
	}

	cfg, err := Load(path)
	require.NoError(t, err)

	// -- Storage --
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "/tmp/alphatilt/panel.db", cfg.Storage.SQLitePath)
	assert.Equal(t, "portfolio_data", cfg.Storage.PanelTable)
	assert.Equal(t, "factor_data", cfg.Storage.FactorTable, "default")
	assert.Equal(t, 10*time.Second, cfg.Storage.QueryTimeout)

	// -- Server --
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, "0.0.0.0:9090", cfg.Server.GRPCAddr())

	// -- Logging --
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)

	// -- Backtest --
	assert.Equal(t, 0.5, cfg.Backtest.RidgeAlpha)
	assert.Equal(t, 3, cfg.Backtest.LabelHorizonMonths)
	assert.Equal(t, 6, cfg.Backtest.BetaWindow)
	assert.Equal(t, 2, cfg.Backtest.Workers)
	assert.Equal(t, 2*time.Minute, cfg.Backtest.RunTimeout)

	// -- Session --
	assert.Equal(t, time.Hour, cfg.Session.TTL)
	assert.Equal(t, 10, cfg.Session.MaxSessions)
	assert.Equal(t, "alphatilt:session:", cfg.Redis.KeyPrefix)

	// -- Breaker / rate limit --
	assert.True(t, cfg.Breaker.Enabled)
	assert.Equal(t, uint32(5), cfg.Breaker.ConsecutiveFailures)
	assert.Equal(t, 30*time.Second, cfg.Breaker.Timeout)
	assert.Equal(t, 12, cfg.RateLimit.PerMinute)
	assert.Equal(t, 5, cfg.RateLimit.Burst)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeTemp(t, "alphatilt.yaml", `
storage:
  driver: "postgres"
  dsn: "postgres://yaml"
server:
  port: 8000
`)

	t.Setenv("ALPHATILT_DSN", "")
	t.Setenv("DB_URL", "postgres://env")
	t.Setenv("PORT", "9999")
	t.Setenv("SESSION_BACKEND", "redis")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env", cfg.Storage.DSN)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Session.Backend)
	assert.Equal(t, "postgres", cfg.Storage.Driver, "kept from YAML")
}

func TestLoadDotEnv(t *testing.T) {
	path := writeTemp(t, ".env", "ALPHATILT_TEST_DOTENV=from-file\n")
	t.Setenv("ALPHATILT_TEST_DOTENV", "")
	os.Unsetenv("ALPHATILT_TEST_DOTENV")

	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env"), path))
	assert.Equal(t, "from-file", os.Getenv("ALPHATILT_TEST_DOTENV"))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, 1.0, cfg.Backtest.RidgeAlpha)
	assert.Equal(t, 12, cfg.Backtest.BetaWindow)
	assert.Equal(t, "memory", cfg.Session.Backend)
	assert.Equal(t, "", cfg.Server.GRPCAddr())
	assert.Equal(t, 240, cfg.Backtest.MaxLookback)
	assert.Equal(t, 2.0, cfg.Backtest.MaxOverlayWeight)
}
