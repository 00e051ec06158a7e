package config

import (
	"strings"

	"nudge/pkg/wire"
)

// Config is the on-disk configuration. Durations are Go duration strings;
// empty strings fall back to the defaults in Default().
type Config struct {
	Listen      ListenConfig      `json:"listen"`
	Protocol    ProtocolConfig    `json:"protocol"`
	Registry    RegistryConfig    `json:"registry"`
	Debounce    DebounceConfig    `json:"debounce"`
	Dispatch    DispatchConfig    `json:"dispatch"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Logging     LoggingConfig     `json:"logging"`

	// Storage is optional. When omitted (or driver "none") no audit trail or
	// stats history is kept.
	Storage *StorageConfig `json:"storage,omitempty"`
	Capture CaptureConfig  `json:"capture,omitempty"`
	Debug   DebugConfig    `json:"debug,omitempty"`
	Systemd SystemdConfig  `json:"systemd,omitempty"`
}

type ListenConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	// Socket buffer sizes in bytes. 0 keeps the OS default.
	ReadBuffer  int `json:"read_buffer,omitempty"`
	WriteBuffer int `json:"write_buffer,omitempty"`
}

type ProtocolConfig struct {
	MaxChannel int `json:"max_channel"`
	MaxPayload int `json:"max_payload"`
}

type RegistryConfig struct {
	TTLMin string `json:"ttl_min"`
	TTLMax string `json:"ttl_max"`
	Shards int    `json:"shards,omitempty"`
}

type DebounceConfig struct {
	Window string `json:"window"`
	// Retention is how many windows an idle channel is remembered for.
	Retention int `json:"retention,omitempty"`
}

type DispatchConfig struct {
	Workers         int `json:"workers"`
	QueueSize       int `json:"queue_size"`
	FanoutWorkers   int `json:"fanout_workers"`
	FanoutQueueSize int `json:"fanout_queue_size"`
	// RatePerSec caps fan-out sends per second. 0 = unlimited.
	RatePerSec float64 `json:"rate_per_sec"`
	Burst      int     `json:"burst,omitempty"`
}

// MaintenanceConfig holds schedule strings accepted by maintenance.ParseSchedule.
type MaintenanceConfig struct {
	Sweep    string `json:"sweep"`
	Stats    string `json:"stats"`
	Timezone string `json:"timezone,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Driver      string `json:"driver"` // none | file | sqlite
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type CaptureConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// DebugConfig controls the optional HTTP debug server (health, status, expvar, pprof).
//
// Security: when bound to a non-loopback address a Token is required unless
// AllowInsecure is set.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog,omitempty"`
}

const (
	DefaultHost       = "0.0.0.0"
	DefaultPort       = 4000
	DefaultDebugAddr  = "127.0.0.1:6060"
	DefaultSweep      = "5s"
	DefaultStats      = "1m"
	DefaultTTLMin     = "5s"
	DefaultTTLMax     = "1h"
	DefaultWindow     = "250ms"
	DefaultCapture    = "nudge.capture.cbor"
	DefaultStorageDir = "./data/nudge"
)

// Default returns a fully populated configuration. Files and env overrides
// are decoded on top of it, so omitted keys keep these values.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Host: DefaultHost, Port: DefaultPort},
		Protocol: ProtocolConfig{
			MaxChannel: 255,
			MaxPayload: wire.DefaultMaxPayload,
		},
		Registry: RegistryConfig{TTLMin: DefaultTTLMin, TTLMax: DefaultTTLMax, Shards: 64},
		Debounce: DebounceConfig{Window: DefaultWindow, Retention: 4},
		Dispatch: DispatchConfig{
			Workers:         4,
			QueueSize:       1024,
			FanoutWorkers:   4,
			FanoutQueueSize: 4096,
		},
		Maintenance: MaintenanceConfig{Sweep: DefaultSweep, Stats: DefaultStats},
		Logging:     LoggingConfig{Level: "info", Console: true},
		Debug:       DebugConfig{Addr: DefaultDebugAddr},
	}
}

// StorageEnabled reports whether a persistent store is configured.
func (c *Config) StorageEnabled() bool {
	if c == nil || c.Storage == nil {
		return false
	}
	d := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	return d != "" && d != "none"
}
