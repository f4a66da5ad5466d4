package store

import (
	"context"
	"errors"
	"time"
)

// Action tells a Store what to do with the value returned by a MutateFunc.
type Action int

const (
	// Unchanged leaves the entry as it was (present or absent).
	Unchanged Action = iota
	// Put writes the returned value.
	Put
	// Remove deletes the entry.
	Remove
)

func (a Action) String() string {
	switch a {
	case Unchanged:
		return "unchanged"
	case Put:
		return "put"
	case Remove:
		return "remove"
	default:
		return "unknown"
	}
}

// MutateFunc receives the current value of a key and decides its next state.
// Implementations backed by optimistic concurrency may call it more than once,
// so it must not have side effects beyond capturing its result.
type MutateFunc[V any] func(current V, found bool) (V, Action, error)

// Store is a namespaced key/value table whose per-key updates are linearizable.
type Store[V any] interface {
	Get(ctx context.Context, key string) (V, bool, error)
	// Mutate runs fn atomically with respect to other Mutate and Delete calls on the same key.
	Mutate(ctx context.Context, key string, fn MutateFunc[V]) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Close(ctx context.Context) error
}

var (
	// ErrConflict is returned when an optimistic update kept losing races.
	ErrConflict = errors.New("store: too many concurrent updates")
	// ErrInvalidKey is returned for empty keys.
	ErrInvalidKey = errors.New("store: empty key")
)

// Config describes the high level store selection parameters.
type Config struct {
	Driver    string `yaml:"driver"`
	Namespace string `yaml:"-"`
	// TTL bounds how long an untouched entry may live in backends that expire keys natively.
	TTL    time.Duration `yaml:"-"`
	Redis  *RedisConfig  `yaml:"redis"`
	SQLite *SQLiteConfig `yaml:"sqlite"`
}

// SQLiteConfig provides the database location.
type SQLiteConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig captures connection options.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}
