// Package store persists affinity ledgers.
package store

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/stellarlinkco/heartflow/internal/config"
	"github.com/stellarlinkco/heartflow/internal/heartflow"
)

// Store is a ledger store that owns resources.
type Store interface {
	heartflow.LedgerStore
	Close() error
}

// Open returns the store selected by cfg.Storage.Type.
func Open(cfg *config.Config) (Store, error) {
	switch cfg.Storage.Type {
	case "", config.StorageJSON:
		return NewFileStore(cfg.DataDir()), nil
	case config.StorageSQLite:
		path := strings.TrimSpace(cfg.Storage.SQLitePath)
		if path == "" {
			path = filepath.Join(cfg.DataDir(), "heartflow.db")
		}
		return NewSQLiteStore(path)
	case config.StorageRedis:
		r := cfg.Storage.Redis
		return NewRedisStore(RedisOptions{Addr: r.Addr, Password: r.Password, DB: r.DB, Prefix: r.Prefix})
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}

func emptySnapshot() heartflow.Snapshot {
	return heartflow.Snapshot{Local: make(map[string]heartflow.Record)}
}

func normalize(r heartflow.Record) heartflow.Record {
	if r.Affinity == nil {
		r.Affinity = make(map[string]float64)
	}
	if r.Interactions == nil {
		r.Interactions = make(map[string]int)
	}
	return r
}
