package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, ":5555", cfg.Listen.Control)
	assert.Equal(t, ":5556", cfg.Listen.Screen)
	assert.Equal(t, ":5557", cfg.Listen.GroupChat)
	assert.Equal(t, ":5558", cfg.Listen.GroupCall)
	assert.Equal(t, ":8080", cfg.Listen.HTTP)
	assert.Equal(t, []string{"http://localhost:8080"}, cfg.AllowedOrigins)
	assert.Equal(t, 45*time.Second, cfg.Timeouts.Ring)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Transfer)
	assert.Equal(t, "memory", cfg.Database.Driver)
	require.NoError(t, cfg.Validate())
}

func TestNewConfigFromEnv(t *testing.T) {
	t.Setenv("CONTROL_ADDR", ":6000")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("RATE_LIMIT_BURST", "5")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "2")
	t.Setenv("RING_TIMEOUT", "1m")
	t.Setenv("TRANSFER_TIMEOUT", "not-a-duration")
	t.Setenv("MAX_LINE_SIZE", "-3")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg := NewConfigFromEnv()

	assert.Equal(t, ":6000", cfg.Listen.Control)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 5, cfg.RateLimit.Burst)
	assert.Equal(t, 2*time.Second, cfg.RateLimit.RefillInterval)
	assert.Equal(t, time.Minute, cfg.Timeouts.Ring)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Transfer)
	assert.Equal(t, 1<<20, cfg.Limits.MaxLineSize)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfigFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen:
  control: "127.0.0.1:7000"
allowed_origins:
  - "*"
timeouts:
  ring: 20s
database:
  driver: postgres
  dsn: "postgres://relay@localhost/relay?sslmode=disable"
log:
  format: json
`), 0o600))
	t.Setenv("HTTP_ADDR", "127.0.0.1:9090")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.Listen.Control)
	assert.Equal(t, ":5556", cfg.Listen.Screen)
	assert.Equal(t, "127.0.0.1:9090", cfg.Listen.HTTP)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Equal(t, 20*time.Second, cfg.Timeouts.Ring)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 5*time.Second, cfg.Database.QueryTimeout)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("listen: [not, a, map]"), 0o600))
	_, err = LoadConfig(bad)
	assert.ErrorContains(t, err, "failed to parse config file")

	noDSN := filepath.Join(t.TempDir(), "nodsn.yaml")
	require.NoError(t, os.WriteFile(noDSN, []byte("database:\n  driver: postgres\n"), 0o600))
	_, err = LoadConfig(noDSN)
	assert.ErrorContains(t, err, "invalid configuration")
}

func TestLoadConfigWithoutFile(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, *NewConfig(), *cfg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "sqlite" }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"empty listen address", func(c *Config) { c.Listen.GroupCall = "" }},
		{"zero ring timeout", func(c *Config) { c.Timeouts.Ring = 0 }},
		{"negative idle", func(c *Config) { c.Timeouts.Idle = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSanitizeConfigFillsZeroValues(t *testing.T) {
	cfg := sanitizeConfig(Config{Timeouts: TimeoutConfig{Idle: -time.Second}})

	assert.Equal(t, defaultConfig().Listen, cfg.Listen)
	assert.Equal(t, defaultConfig().Limits, cfg.Limits)
	assert.Equal(t, defaultConfig().RateLimit, cfg.RateLimit)
	assert.Zero(t, cfg.Timeouts.Idle)
	assert.Equal(t, 45*time.Second, cfg.Timeouts.Ring)
	assert.Empty(t, cfg.AllowedOrigins)
	require.NoError(t, cfg.Validate())
}
