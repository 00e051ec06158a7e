package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	EnvHost     = "NUDGE_HOST"
	EnvPort     = "NUDGE_PORT"
	EnvLogLevel = "NUDGE_LOG_LEVEL"
)

// ApplyEnv overlays NUDGE_* environment variables. getenv defaults to os.Getenv.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(EnvHost)); v != "" {
		cfg.Listen.Host = v
	}
	if v := strings.TrimSpace(getenv(EnvPort)); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid port %q: %w", EnvPort, v, ErrInvalid)
		}
		cfg.Listen.Port = p
	}
	if v := strings.TrimSpace(getenv(EnvLogLevel)); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}
