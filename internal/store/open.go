package store

import (
	"fmt"
	"path/filepath"

	"nathanbeddoewebdev/vpsd/internal/config"
	"nathanbeddoewebdev/vpsd/internal/database"
)

// DatabasePath returns the SQLite file to use: an explicit override
// (--database), then the one configured in cfg, then the shared default.
func DatabasePath(cfg *config.Config) (string, error) {
	if p := database.Override(); p != "" {
		return p, nil
	}
	if cfg.DatabasePath != "" {
		return cfg.DatabasePath, nil
	}
	path, err := database.DefaultPath()
	if err != nil {
		return "", fmt.Errorf("store: %w", err)
	}
	return path, nil
}

// Open opens the gateway backend selected by cfg.Storage.
func Open(cfg *config.Config) (Gateway, error) {
	path, err := DatabasePath(cfg)
	if err != nil {
		return nil, err
	}

	switch cfg.Storage {
	case "", "sqlite":
		return OpenSQLite(path)
	case "badger":
		dir := cfg.BadgerPath
		if dir == "" {
			dir = filepath.Join(filepath.Dir(path), "badger")
		}
		return OpenBadger(dir)
	default:
		return nil, fmt.Errorf("store: unknown storage backend %q (expected sqlite or badger)", cfg.Storage)
	}
}
