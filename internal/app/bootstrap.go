package app

import (
	"nudge/internal/config"
	"nudge/internal/dispatch"
	"nudge/internal/observability/debug"
	"nudge/internal/runtime/supervisor"
	"nudge/internal/transport/udp"
	logx "nudge/pkg/logx"
)

// ---- Config ----

type Config = config.Config

type ConfigManager = config.ConfigManager

var NewConfigManager = config.NewConfigManager

var SummarizeConfigChange = config.SummarizeConfigChange

// ---- Runtime ----

type Supervisor = supervisor.Supervisor

type SupervisorSnapshot = supervisor.SupervisorSnapshot

var NewSupervisor = supervisor.NewSupervisor

var WithLogger = supervisor.WithLogger

var WithCancelOnError = supervisor.WithCancelOnError

// ---- Mapping from on-disk config to component configs ----

func mapLoggingConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapListenConfig(cfg *Config) udp.Config {
	return udp.Config{
		Host:        cfg.Listen.Host,
		Port:        cfg.Listen.Port,
		ReadBuffer:  cfg.Listen.ReadBuffer,
		WriteBuffer: cfg.Listen.WriteBuffer,
	}
}

func mapDispatchConfig(cfg *Config) dispatch.Config {
	return dispatch.Config{
		MaxChannel:      cfg.Protocol.MaxChannel,
		MaxPayload:      cfg.Protocol.MaxPayload,
		Workers:         cfg.Dispatch.Workers,
		QueueSize:       cfg.Dispatch.QueueSize,
		FanoutWorkers:   cfg.Dispatch.FanoutWorkers,
		FanoutQueueSize: cfg.Dispatch.FanoutQueueSize,
		RatePerSec:      cfg.Dispatch.RatePerSec,
		Burst:           cfg.Dispatch.Burst,
	}
}

func mapDebugConfig(cfg *Config, r config.Resolved) debug.Config {
	addr := cfg.Debug.Addr
	if addr == "" {
		addr = config.DefaultDebugAddr
	}
	return debug.Config{
		Enabled:              cfg.Debug.Enabled,
		Addr:                 addr,
		Token:                cfg.Debug.Token,
		AllowInsecure:        cfg.Debug.AllowInsecure,
		ReadTimeout:          r.DebugReadTimeout,
		WriteTimeout:         r.DebugWriteTimeout,
		IdleTimeout:          r.DebugIdleTimeout,
		MutexProfileFraction: cfg.Debug.MutexProfileFraction,
		BlockProfileRate:     cfg.Debug.BlockProfileRate,
	}
}
