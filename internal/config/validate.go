package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"nudge/internal/maintenance"
	"nudge/pkg/logx"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// FieldError names the key path that failed validation.
type FieldError struct {
	Path string
	Msg  string
}

func (e *FieldError) Error() string { return e.Path + ": " + e.Msg }
func (e *FieldError) Unwrap() error { return ErrInvalid }

// Resolved holds the typed values derived from a validated Config.
type Resolved struct {
	TTLMin         time.Duration
	TTLMax         time.Duration
	DebounceWindow time.Duration
	Location       *time.Location
	LogLevel       logx.Level

	StorageBusyTimeout time.Duration

	DebugReadTimeout  time.Duration
	DebugWriteTimeout time.Duration
	DebugIdleTimeout  time.Duration
}

type checker struct{ errs []error }

func (c *checker) fail(path, format string, args ...any) {
	c.errs = append(c.errs, &FieldError{Path: path, Msg: fmt.Sprintf(format, args...)})
}

// duration parses a Go duration string. Empty means def; negative values fail.
func (c *checker) duration(path, raw string, def time.Duration) time.Duration {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		c.fail(path, "invalid duration %q", raw)
		return def
	}
	if d < 0 {
		c.fail(path, "duration must be >= 0")
		return def
	}
	return d
}

func (c *checker) nonNegative(path string, v int) {
	if v < 0 {
		c.fail(path, "must be >= 0, got %d", v)
	}
}

func (c *checker) schedule(path, raw string) {
	if _, err := maintenance.ParseSchedule(raw); err != nil {
		c.fail(path, "%v", err)
	}
}

// Validate reports every problem in the configuration joined into one error.
func (cfg *Config) Validate() error {
	_, err := cfg.Resolve()
	return err
}

// Resolve validates the configuration and returns its typed values.
func (cfg *Config) Resolve() (Resolved, error) {
	if cfg == nil {
		return Resolved{}, fmt.Errorf("%w: nil config", ErrInvalid)
	}
	var c checker
	var r Resolved

	if strings.TrimSpace(cfg.Listen.Host) == "" {
		c.fail("listen.host", "required")
	}
	if cfg.Listen.Port < 0 || cfg.Listen.Port > 65535 {
		c.fail("listen.port", "out of range: %d", cfg.Listen.Port)
	}
	c.nonNegative("listen.read_buffer", cfg.Listen.ReadBuffer)
	c.nonNegative("listen.write_buffer", cfg.Listen.WriteBuffer)

	if cfg.Protocol.MaxChannel < 1 || cfg.Protocol.MaxChannel > 65535 {
		c.fail("protocol.max_channel", "must be in 1..65535, got %d", cfg.Protocol.MaxChannel)
	}
	if cfg.Protocol.MaxPayload < 1 || cfg.Protocol.MaxPayload > 65535 {
		c.fail("protocol.max_payload", "must be in 1..65535, got %d", cfg.Protocol.MaxPayload)
	}

	r.TTLMin = c.duration("registry.ttl_min", cfg.Registry.TTLMin, 5*time.Second)
	r.TTLMax = c.duration("registry.ttl_max", cfg.Registry.TTLMax, time.Hour)
	if r.TTLMin <= 0 {
		c.fail("registry.ttl_min", "must be > 0")
	}
	if r.TTLMin > r.TTLMax {
		c.fail("registry.ttl_min", "ttl_min %s exceeds ttl_max %s", r.TTLMin, r.TTLMax)
	}
	c.nonNegative("registry.shards", cfg.Registry.Shards)

	r.DebounceWindow = c.duration("debounce.window", cfg.Debounce.Window, 250*time.Millisecond)
	c.nonNegative("debounce.retention", cfg.Debounce.Retention)

	c.nonNegative("dispatch.workers", cfg.Dispatch.Workers)
	c.nonNegative("dispatch.queue_size", cfg.Dispatch.QueueSize)
	c.nonNegative("dispatch.fanout_workers", cfg.Dispatch.FanoutWorkers)
	c.nonNegative("dispatch.fanout_queue_size", cfg.Dispatch.FanoutQueueSize)
	c.nonNegative("dispatch.burst", cfg.Dispatch.Burst)
	if cfg.Dispatch.RatePerSec < 0 {
		c.fail("dispatch.rate_per_sec", "must be >= 0")
	}

	c.schedule("maintenance.sweep", orDefault(cfg.Maintenance.Sweep, DefaultSweep))
	c.schedule("maintenance.stats", orDefault(cfg.Maintenance.Stats, DefaultStats))
	r.Location = time.Local
	if tz := strings.TrimSpace(cfg.Maintenance.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			c.fail("maintenance.timezone", "unknown zone %q", tz)
		} else {
			r.Location = loc
		}
	}

	r.LogLevel = logx.LevelInfo
	if lv := strings.TrimSpace(cfg.Logging.Level); lv != "" {
		parsed, ok := logx.ParseLevel(lv)
		if !ok {
			c.fail("logging.level", "unknown level %q", lv)
		} else {
			r.LogLevel = parsed
		}
	}

	if cfg.Storage != nil {
		switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(cfg.Storage.Path) == "" {
				c.fail("storage.path", "required for driver %q", d)
			}
		default:
			c.fail("storage.driver", "unknown driver %q (use none, file or sqlite)", cfg.Storage.Driver)
		}
		r.StorageBusyTimeout = c.duration("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	}

	if cfg.Debug.Enabled {
		addr := orDefault(cfg.Debug.Addr, DefaultDebugAddr)
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			c.fail("debug.addr", "invalid address %q", addr)
		} else if !isLoopbackHost(host) && strings.TrimSpace(cfg.Debug.Token) == "" && !cfg.Debug.AllowInsecure {
			c.fail("debug.addr", "non-loopback bind %q requires debug.token or debug.allow_insecure", addr)
		}
	}
	r.DebugReadTimeout = c.duration("debug.read_timeout", cfg.Debug.ReadTimeout, 5*time.Second)
	r.DebugWriteTimeout = c.duration("debug.write_timeout", cfg.Debug.WriteTimeout, 30*time.Second)
	r.DebugIdleTimeout = c.duration("debug.idle_timeout", cfg.Debug.IdleTimeout, 60*time.Second)

	if err := errors.Join(c.errs...); err != nil {
		return Resolved{}, err
	}
	return r, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip, err := netip.ParseAddr(host)
	return err == nil && ip.IsLoopback()
}
