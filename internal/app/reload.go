package app

import (
	"context"
	"strings"

	"nudge/internal/config"
	logx "nudge/pkg/logx"
)

// reloadLoop applies hot-reloadable sections of every published config.
func (a *App) reloadLoop(ctx context.Context, sub chan *Config) {
	defer a.cfgm.Unsubscribe(sub)
	// Track last applied config to generate a safe diff summary for logs.
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *Config) {
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	res, err := newCfg.Resolve()
	if err != nil {
		// ConfigManager validates before publishing; this is a programming error.
		a.log.Error("published config failed validation; ignoring", logx.Err(err))
		return
	}
	a.sd.Reloading()
	defer a.sd.Ready("")

	// update logging first so the rest of the reload logs at the new level
	a.logs.Apply(mapLoggingConfig(newCfg))

	a.reg.SetTTLBounds(res.TTLMin, res.TTLMax)
	a.coal.Apply(res.DebounceWindow, newCfg.Debounce.Retention)
	if a.engine != nil {
		a.engine.Apply(mapDispatchConfig(newCfg))
	}
	a.debug.Reconfigure(ctx, mapDebugConfig(newCfg, res))
	a.rescheduleJobs(newCfg)

	if restart := config.RestartRequired(oldCfg, newCfg, sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
