package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) string { return "" }

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadDefaultsWithoutPath(t *testing.T) {
	m := NewConfigManager("")
	m.SetEnv(noEnv)
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Same(t, cfg, m.Get())
}

func TestParseYAMLKeepsDefaultsForOmittedKeys(t *testing.T) {
	p := writeFile(t, "nudge.yaml", `
listen:
  port: 4100
registry:
  ttl_min: 2s
  ttl_max: 10m
debounce:
  window: 100ms
storage:
  driver: file
  path: ./data/nudge
`)
	m := NewConfigManager(p)
	m.SetEnv(noEnv)
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, 4100, cfg.Listen.Port)
	assert.Equal(t, DefaultHost, cfg.Listen.Host)
	assert.Equal(t, "2s", cfg.Registry.TTLMin)
	assert.Equal(t, 64, cfg.Registry.Shards)
	assert.Equal(t, 4, cfg.Dispatch.Workers)
	require.NotNil(t, cfg.Storage)
	assert.True(t, cfg.StorageEnabled())

	r, err := cfg.Resolve()
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, r.DebounceWindow)
	assert.Equal(t, 10*time.Minute, r.TTLMax)
}

func TestParseJSONAndSniffing(t *testing.T) {
	body := `{"listen": {"host": "127.0.0.1", "port": 4001}, "dispatch": {"rate_per_sec": 50}}`
	for _, name := range []string{"nudge.json", "nudge.conf"} {
		m := NewConfigManager(writeFile(t, name, body))
		m.SetEnv(noEnv)
		cfg, err := m.Parse()
		require.NoError(t, err, name)
		assert.Equal(t, "127.0.0.1", cfg.Listen.Host)
		assert.Equal(t, 4001, cfg.Listen.Port)
		assert.InDelta(t, 50.0, cfg.Dispatch.RatePerSec, 0.001)
	}
}

func TestParseRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	m := NewConfigManager(writeFile(t, "a.yaml", "listen:\n  prot: 4000\n"))
	m.SetEnv(noEnv)
	_, err := m.Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown field")

	m = NewConfigManager(writeFile(t, "b.json", `{"listen":{}} {"listen":{}}`))
	m.SetEnv(noEnv)
	_, err = m.Parse()
	assert.ErrorIs(t, err, ErrInvalid)

	m = NewConfigManager(filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = m.Parse()
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestEnvAndOverlayPrecedence(t *testing.T) {
	p := writeFile(t, "nudge.yaml", "listen:\n  host: 10.0.0.1\n  port: 4100\nlogging:\n  level: warn\n")
	env := map[string]string{EnvHost: "127.0.0.1", EnvPort: "4200", EnvLogLevel: "debug"}
	m := NewConfigManager(p)
	m.SetEnv(func(k string) string { return env[k] })
	m.SetOverlay(func(c *Config) { c.Listen.Port = 4300 })

	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Listen.Host)
	assert.Equal(t, 4300, cfg.Listen.Port, "flags win over env")
	assert.Equal(t, "debug", cfg.Logging.Level)

	env[EnvPort] = "forty"
	_, err = m.Parse()
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoadRejectsInvalid(t *testing.T) {
	m := NewConfigManager(writeFile(t, "nudge.yaml", "registry:\n  ttl_min: 2h\n  ttl_max: 1h\n"))
	m.SetEnv(noEnv)
	_, err := m.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Nil(t, m.Get())
}

func TestSubscribeDropsOldest(t *testing.T) {
	m := NewConfigManager("")
	ch := m.Subscribe(1)
	a, b := Default(), Default()
	b.Listen.Port = 1
	m.publish(a)
	m.publish(b)
	assert.Same(t, b, <-ch)

	m.Unsubscribe(ch)
	_, ok := <-ch
	assert.False(t, ok)
	m.publish(a) // no subscribers left; must not panic
}

func TestWatchPublishesChanges(t *testing.T) {
	p := writeFile(t, "nudge.yaml", "debounce:\n  window: 250ms\n")
	m := NewConfigManager(p)
	m.SetEnv(noEnv)
	_, err := m.Load()
	require.NoError(t, err)

	m.SetValidator(func(ctx context.Context, c *Config) error {
		if c.Debounce.Window == "13ms" {
			return errors.New("unlucky")
		}
		return nil
	})
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(p, []byte("debounce:\n  window: 500ms\n"), 0o644))

	select {
	case cfg := <-ch:
		assert.Equal(t, "500ms", cfg.Debounce.Window)
		assert.Same(t, cfg, m.Get())
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}

	// Invalid and rejected configs are not published.
	require.NoError(t, os.WriteFile(p, []byte("debounce:\n  window: nope\n"), 0o644))
	time.Sleep(600 * time.Millisecond)
	require.NoError(t, os.WriteFile(p, []byte("debounce:\n  window: 13ms\n"), 0o644))
	time.Sleep(600 * time.Millisecond)
	select {
	case cfg := <-ch:
		t.Fatalf("unexpected publish: %+v", cfg.Debounce)
	default:
	}
	assert.Equal(t, "500ms", m.Get().Debounce.Window)
}

func TestWatchWithoutFileWaitsForContext(t *testing.T) {
	m := NewConfigManager("")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, m.Watch(ctx))
}
