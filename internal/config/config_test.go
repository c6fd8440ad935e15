package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"CONFIG_FILE", "HTTP_ADDR", "LOCAL_ROUTING_NUM", "POLL_INTERVAL", "HISTORY_LIMIT", "MAX_POLL_FAILURES",
	"SHUTDOWN_TIMEOUT", "VERSION", "STORE_DRIVER", "DATA_FILE", "SQLITE_PATH", "POSTGRES_DSN",
	"PUB_KEY_PATH", "JWT_ISSUER", "JWT_AUDIENCE", "DEDUPE_WINDOW", "REDIS_ADDR", "REDIS_PASS",
	"KAFKA_BROKERS", "KAFKA_TOPIC", "CORS_ORIGINS", "LOG_LEVEL", "LOG_FORMAT",
}

// cleanEnv 清空相關環境變數並切換到空目錄，避免讀到本機的 .env。
func cleanEnv(t *testing.T) string {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	cleanEnv(t)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "883745000", cfg.LocalRoutingNum)
	assert.Equal(t, 100*time.Millisecond, cfg.PollInterval)
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := cleanEnv(t)
	path := filepath.Join(dir, "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":9090"
poll_interval: 250ms
history_limit: 20
store:
  driver: sqlite
  sqlite_path: /var/lib/ledger.db
kafka_brokers: ["k1:9092"]
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("HISTORY_LIMIT", "50")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 50, cfg.HistoryLimit, "env overrides file")
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/var/lib/ledger.db", cfg.Store.SQLitePath)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "ledger.transactions", cfg.KafkaTopic, "untouched default")
}

func TestLoadRejectsBadValues(t *testing.T) {
	cleanEnv(t)
	t.Setenv("POLL_INTERVAL", "soon")
	_, err := Load()
	assert.ErrorContains(t, err, "POLL_INTERVAL")
}

func TestValidate(t *testing.T) {
	tests := map[string]func(*Config){
		"routing too short": func(c *Config) { c.LocalRoutingNum = "12345" },
		"zero interval":     func(c *Config) { c.PollInterval = 0 },
		"zero limit":        func(c *Config) { c.HistoryLimit = 0 },
		"zero failures":     func(c *Config) { c.MaxPollFailures = 0 },
		"unknown driver":    func(c *Config) { c.Store.Driver = "mongo" },
		"postgres no dsn":   func(c *Config) { c.Store.Driver = "postgres" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.Store.Driver, cfg.Store.PostgresDSN = "postgres", "postgres://localhost/ledger"
	assert.NoError(t, cfg.Validate())
}
