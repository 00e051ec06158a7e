package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "nudge/pkg/logx"
)

func TestDefaultIsValid(t *testing.T) {
	r, err := Default().Resolve()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, r.TTLMin)
	assert.Equal(t, time.Hour, r.TTLMax)
	assert.Equal(t, 250*time.Millisecond, r.DebounceWindow)
	assert.Equal(t, logx.LevelInfo, r.LogLevel)
}

func TestValidateFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Config)
		path   string
	}{
		{"port range", func(c *Config) { c.Listen.Port = 70000 }, "listen.port"},
		{"empty host", func(c *Config) { c.Listen.Host = " " }, "listen.host"},
		{"negative buffer", func(c *Config) { c.Listen.ReadBuffer = -1 }, "listen.read_buffer"},
		{"max channel", func(c *Config) { c.Protocol.MaxChannel = 0 }, "protocol.max_channel"},
		{"max payload", func(c *Config) { c.Protocol.MaxPayload = 70000 }, "protocol.max_payload"},
		{"bad ttl", func(c *Config) { c.Registry.TTLMin = "soon" }, "registry.ttl_min"},
		{"ttl order", func(c *Config) { c.Registry.TTLMin, c.Registry.TTLMax = "2h", "1h" }, "registry.ttl_min"},
		{"zero ttl min", func(c *Config) { c.Registry.TTLMin = "0s" }, "registry.ttl_min"},
		{"negative window", func(c *Config) { c.Debounce.Window = "-1s" }, "debounce.window"},
		{"negative workers", func(c *Config) { c.Dispatch.Workers = -2 }, "dispatch.workers"},
		{"negative rate", func(c *Config) { c.Dispatch.RatePerSec = -1 }, "dispatch.rate_per_sec"},
		{"bad sweep", func(c *Config) { c.Maintenance.Sweep = "sometimes" }, "maintenance.sweep"},
		{"bad tz", func(c *Config) { c.Maintenance.Timezone = "Mars/Olympus" }, "maintenance.timezone"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad driver", func(c *Config) { c.Storage = &StorageConfig{Driver: "redis"} }, "storage.driver"},
		{"storage path", func(c *Config) { c.Storage = &StorageConfig{Driver: "sqlite"} }, "storage.path"},
		{"insecure debug", func(c *Config) { c.Debug.Enabled, c.Debug.Addr = true, "0.0.0.0:6060" }, "debug.addr"},
		{"debug addr", func(c *Config) { c.Debug.Enabled, c.Debug.Addr = true, "nope" }, "debug.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.path)
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Listen.Port = -1
	cfg.Logging.Level = "loud"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen.port")
	assert.Contains(t, err.Error(), "logging.level")
}

func TestValidateAccepts(t *testing.T) {
	cfg := Default()
	cfg.Listen.Port = 0 // ephemeral
	cfg.Debounce.Window = "0s"
	cfg.Debug.Enabled = true
	cfg.Debug.Addr = "0.0.0.0:6060"
	cfg.Debug.Token = "secret"
	cfg.Maintenance.Sweep = "*/10 * * * * *"
	cfg.Maintenance.Timezone = "UTC"
	cfg.Storage = &StorageConfig{Driver: "none"}

	r, err := cfg.Resolve()
	require.NoError(t, err)
	assert.Zero(t, r.DebounceWindow)
	assert.Equal(t, "UTC", r.Location.String())
	assert.False(t, cfg.StorageEnabled())
}
