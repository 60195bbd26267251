package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 8080, cfg.API.Port)
	assert.Equal(t, "none", cfg.Events.Backend)
	assert.Equal(t, 3, cfg.Inventory.LockRetryAttempts)
	assert.Equal(t, 5*time.Second, cfg.Inventory.LockTimeout)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestLoad_YAMLThenEnvironment(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: memory
api:
  port: 9090
  read_timeout: 5s
inventory:
  low_stock_threshold: 3
  lock_timeout: 250ms
events:
  backend: redis
  redis_addr: redis:6379
logging:
  level: debug
  format: console
`)
	t.Setenv("API_PORT", "9191")
	t.Setenv("INVENTORY_LOCK_RETRY_ATTEMPTS", "5")
	t.Setenv("EVENTS_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("TRACING_SAMPLE_RATIO", "0.25")
	t.Setenv("API_CORS_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("API_RATE_LIMIT", "0")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 9191, cfg.API.Port)
	assert.Equal(t, 5*time.Second, cfg.API.ReadTimeout)
	assert.Equal(t, int64(3), cfg.Inventory.LowStockThreshold)
	assert.Equal(t, 250*time.Millisecond, cfg.Inventory.LockTimeout)
	assert.Equal(t, 5, cfg.Inventory.LockRetryAttempts)
	assert.Equal(t, "redis", cfg.Events.Backend)
	assert.Equal(t, "redis:6379", cfg.Events.RedisAddr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Events.KafkaBrokers)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 0.25, cfg.Tracing.SampleRatio)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.API.CORSAllowedOrigins)
	assert.Zero(t, cfg.API.RateLimit)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "api: [unterminated"))
	assert.Error(t, err)

	t.Setenv("API_PORT", "not-a-number")
	_, err = Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		mod  func(c *Config)
	}{
		{name: "unknown driver", mod: func(c *Config) { c.Database.Driver = "mysql" }},
		{name: "missing host", mod: func(c *Config) { c.Database.Host = "" }},
		{name: "bad api port", mod: func(c *Config) { c.API.Port = 70000 }},
		{name: "negative rate limit", mod: func(c *Config) { c.API.RateLimit = -1 }},
		{name: "negative threshold", mod: func(c *Config) { c.Inventory.LowStockThreshold = -1 }},
		{name: "no retry attempts", mod: func(c *Config) { c.Inventory.LockRetryAttempts = 0 }},
		{name: "unknown events backend", mod: func(c *Config) { c.Events.Backend = "nats" }},
		{name: "kafka without brokers", mod: func(c *Config) {
			c.Events.Backend = "kafka"
			c.Events.KafkaBrokers = nil
		}},
		{name: "bad log level", mod: func(c *Config) { c.Logging.Level = "verbose" }},
		{name: "bad log format", mod: func(c *Config) { c.Logging.Format = "xml" }},
		{name: "sample ratio above one", mod: func(c *Config) { c.Tracing.SampleRatio = 1.5 }},
		{name: "tracing without endpoint", mod: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.JaegerEndpoint = ""
		}},
	}

	require.NoError(t, Default().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mod(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	memory := Default()
	memory.Database.Driver = "memory"
	memory.Database.Host = ""
	assert.NoError(t, memory.Validate())
}

func TestDSN(t *testing.T) {
	cfg := Default()
	assert.Equal(t,
		"host=localhost port=5432 user=inventory password=password dbname=inventory_db sslmode=disable",
		cfg.DSN())
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(LoggingConfig{Level: "WARN", Format: "console"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	_, err = NewLogger(LoggingConfig{Level: "loud", Format: "json"})
	assert.Error(t, err)
}
