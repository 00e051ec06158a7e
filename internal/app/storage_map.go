package app

import (
	"strings"

	"nudge/internal/config"
	"nudge/internal/storage"
	logx "nudge/pkg/logx"
)

// mapStorageConfig reports whether storage is enabled and, if so, the store
// config. cfg must already be validated.
func mapStorageConfig(cfg *Config, r config.Resolved) (storage.Config, bool) {
	if !cfg.StorageEnabled() {
		return storage.Config{}, false
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "sqlite3" {
		driver = "sqlite"
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: r.StorageBusyTimeout,
	}, true
}

// OpenStore opens the store configured in cfg for offline readers such as
// the stats command. It returns storage.ErrDisabled when none is configured.
func OpenStore(cfg *Config, log logx.Logger) (storage.Store, error) {
	res, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}
	sc, enabled := mapStorageConfig(cfg, res)
	if !enabled {
		return nil, storage.ErrDisabled
	}
	return storage.Open(sc, log)
}
