package config

import (
	"reflect"
	"strings"

	logx "nudge/pkg/logx"
)

// Sections whose changes only take effect after a restart.
var restartSections = map[string]bool{
	"listen":  true,
	"storage": true,
	"capture": true,
	"systemd": true,
}

// SummarizeConfigChange returns the changed top-level sections in a stable
// order and safe structured attrs for logging (never includes the debug token).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Listen != newCfg.Listen {
		changed = append(changed, "listen")
		attrs = append(attrs,
			logx.String("listen.host", newCfg.Listen.Host),
			logx.Int("listen.port", newCfg.Listen.Port),
		)
	}
	if oldCfg.Protocol != newCfg.Protocol {
		changed = append(changed, "protocol")
		attrs = append(attrs,
			logx.Int("protocol.max_channel", newCfg.Protocol.MaxChannel),
			logx.Int("protocol.max_payload", newCfg.Protocol.MaxPayload),
		)
	}
	if oldCfg.Registry != newCfg.Registry {
		changed = append(changed, "registry")
		attrs = append(attrs,
			logx.String("registry.ttl_min", newCfg.Registry.TTLMin),
			logx.String("registry.ttl_max", newCfg.Registry.TTLMax),
		)
	}
	if oldCfg.Debounce != newCfg.Debounce {
		changed = append(changed, "debounce")
		attrs = append(attrs,
			logx.String("debounce.window", newCfg.Debounce.Window),
			logx.Int("debounce.retention", newCfg.Debounce.Retention),
		)
	}
	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.workers", newCfg.Dispatch.Workers),
			logx.Int("dispatch.fanout_workers", newCfg.Dispatch.FanoutWorkers),
			logx.Float64("dispatch.rate_per_sec", newCfg.Dispatch.RatePerSec),
		)
	}
	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.sweep", newCfg.Maintenance.Sweep),
			logx.String("maintenance.stats", newCfg.Maintenance.Stats),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		driver := "none"
		if newCfg.Storage != nil && strings.TrimSpace(newCfg.Storage.Driver) != "" {
			driver = newCfg.Storage.Driver
		}
		attrs = append(attrs, logx.String("storage.driver", driver))
	}
	if oldCfg.Capture != newCfg.Capture {
		changed = append(changed, "capture")
		attrs = append(attrs, logx.Bool("capture.enabled", newCfg.Capture.Enabled))
	}
	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
			logx.Bool("debug.allow_insecure", newCfg.Debug.AllowInsecure),
		)
	}
	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
	}
	return changed, attrs
}

// RestartRequired filters changed down to the sections that cannot be
// applied to a running process. Dispatch pool sizes and registry shards
// count; the send rate and TTL bounds alone are hot.
func RestartRequired(oldCfg, newCfg *Config, changed []string) []string {
	var out []string
	for _, s := range changed {
		switch {
		case restartSections[s]:
			out = append(out, s)
		case s == "dispatch" && oldCfg != nil && newCfg != nil && poolsDiffer(oldCfg.Dispatch, newCfg.Dispatch):
			out = append(out, s)
		case s == "registry" && oldCfg != nil && newCfg != nil && oldCfg.Registry.Shards != newCfg.Registry.Shards:
			out = append(out, s)
		}
	}
	return out
}

func poolsDiffer(a, b DispatchConfig) bool {
	return a.Workers != b.Workers || a.QueueSize != b.QueueSize ||
		a.FanoutWorkers != b.FanoutWorkers || a.FanoutQueueSize != b.FanoutQueueSize
}
