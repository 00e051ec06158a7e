package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSummarizeConfigChange(t *testing.T) {
	old := Default()
	changed, attrs := SummarizeConfigChange(old, Default())
	assert.Empty(t, changed)
	assert.Empty(t, attrs)

	next := Default()
	next.Debounce.Window = "1s"
	next.Logging.Level = "debug"
	next.Debug.Token = "secret"
	next.Storage = &StorageConfig{Driver: "file", Path: "x"}

	changed, attrs = SummarizeConfigChange(old, next)
	assert.Equal(t, []string{"debounce", "logging", "storage", "debug"}, changed)
	assert.NotEmpty(t, attrs)

	assert.Equal(t, []string{"storage"}, RestartRequired(old, next, changed))
}

func TestRestartRequired(t *testing.T) {
	old := Default()

	rate := Default()
	rate.Dispatch.RatePerSec = 100
	changed, _ := SummarizeConfigChange(old, rate)
	assert.Equal(t, []string{"dispatch"}, changed)
	assert.Empty(t, RestartRequired(old, rate, changed))

	pools := Default()
	pools.Dispatch.Workers = 8
	pools.Listen.Port = 4001
	pools.Registry.Shards = 128
	changed, _ = SummarizeConfigChange(old, pools)
	assert.ElementsMatch(t, []string{"listen", "registry", "dispatch"}, RestartRequired(old, pools, changed))

	ttl := Default()
	ttl.Registry.TTLMax = "2h"
	changed, _ = SummarizeConfigChange(old, ttl)
	assert.Empty(t, RestartRequired(old, ttl, changed))
}

func TestSummarizeNilSafe(t *testing.T) {
	changed, _ := SummarizeConfigChange(nil, Default())
	assert.Contains(t, changed, "listen")
}
