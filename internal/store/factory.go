package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Driver identifiers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Dependencies carries shared handles so several namespaces can reuse one connection.
type Dependencies struct {
	Redis    *redis.Client
	SQLiteDB *gorm.DB
}

// New creates a store for values of type V based on cfg.
func New[V any](ctx context.Context, cfg Config, deps Dependencies) (Store[V], error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverMemory
	}

	switch driver {
	case DriverMemory:
		return NewMemory[V](), nil
	case DriverSQLite:
		db := deps.SQLiteDB
		if db == nil {
			if cfg.SQLite == nil {
				return nil, fmt.Errorf("sqlite driver requires database handle or dsn")
			}
			var err error
			if db, err = OpenSQLite(cfg.SQLite.DSN); err != nil {
				return nil, err
			}
		}
		return NewSQLite[V](db, cfg.Namespace)
	case DriverRedis:
		var prefix string
		if cfg.Redis != nil {
			prefix = cfg.Redis.Prefix
		}
		if deps.Redis != nil {
			return NewRedis[V](deps.Redis, prefix, cfg.Namespace, cfg.TTL), nil
		}
		if cfg.Redis == nil {
			return nil, fmt.Errorf("redis configuration missing")
		}
		client, err := OpenRedis(ctx, *cfg.Redis)
		if err != nil {
			return nil, err
		}
		s := NewRedis[V](client, prefix, cfg.Namespace, cfg.TTL)
		s.owned = true
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", driver)
	}
}
