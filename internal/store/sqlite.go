package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// kvEntry is the row layout shared by every SQLite-backed namespace.
type kvEntry struct {
	Namespace string    `gorm:"primaryKey;size:64"`
	Key       string    `gorm:"column:entry_key;primaryKey;size:128"`
	Payload   []byte    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"index"`
}

func (kvEntry) TableName() string { return "auth_kv_entries" }

// SQLite persists entries in a single table partitioned by namespace.
// Writers are serialised through a process-wide lock per database handle.
type SQLite[V any] struct {
	db        *gorm.DB
	namespace string
	mu        *sync.Mutex
}

var (
	sqliteLocksMu sync.Mutex
	sqliteLocks   = make(map[*gorm.DB]*sync.Mutex)
)

func lockFor(db *gorm.DB) *sync.Mutex {
	sqliteLocksMu.Lock()
	defer sqliteLocksMu.Unlock()
	mu, ok := sqliteLocks[db]
	if !ok {
		mu = &sync.Mutex{}
		sqliteLocks[db] = mu
	}
	return mu
}

// OpenSQLite opens a gorm handle for dsn with gorm's own logging silenced.
func OpenSQLite(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sqlite dsn required")
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return db, nil
}

// NewSQLite builds a SQLite-backed store and creates its table when missing.
func NewSQLite[V any](db *gorm.DB, namespace string) (*SQLite[V], error) {
	if db == nil {
		return nil, fmt.Errorf("sqlite store requires database handle")
	}
	if namespace == "" {
		return nil, fmt.Errorf("sqlite store requires namespace")
	}
	if err := db.AutoMigrate(&kvEntry{}); err != nil {
		return nil, fmt.Errorf("migrate auth_kv_entries: %w", err)
	}
	return &SQLite[V]{db: db, namespace: namespace, mu: lockFor(db)}, nil
}

func (s *SQLite[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	entry, found, err := s.fetch(s.db.WithContext(ctx), key)
	if err != nil || !found {
		return zero, false, err
	}
	var v V
	if err := json.Unmarshal(entry.Payload, &v); err != nil {
		return zero, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, true, nil
}

func (s *SQLite[V]) Mutate(ctx context.Context, key string, fn MutateFunc[V]) error {
	if key == "" {
		return ErrInvalidKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur V
		entry, found, err := s.fetch(tx, key)
		if err != nil {
			return err
		}
		if found {
			if err := json.Unmarshal(entry.Payload, &cur); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
		}

		next, action, err := fn(cur, found)
		if err != nil {
			return err
		}
		switch action {
		case Put:
			data, err := json.Marshal(next)
			if err != nil {
				return err
			}
			row := kvEntry{Namespace: s.namespace, Key: key, Payload: data, UpdatedAt: time.Now().UTC()}
			return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
		case Remove:
			return tx.Where("namespace = ? AND entry_key = ?", s.namespace, key).Delete(&kvEntry{}).Error
		default:
			return nil
		}
	})
}

func (s *SQLite[V]) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.WithContext(ctx).
		Where("namespace = ? AND entry_key = ?", s.namespace, key).
		Delete(&kvEntry{}).
		Error
}

func (s *SQLite[V]) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.db.WithContext(ctx).
		Model(&kvEntry{}).
		Where("namespace = ?", s.namespace).
		Order("entry_key").
		Pluck("entry_key", &keys).
		Error
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *SQLite[V]) Close(context.Context) error {
	return nil
}

func (s *SQLite[V]) fetch(db *gorm.DB, key string) (kvEntry, bool, error) {
	var entry kvEntry
	err := db.Where("namespace = ? AND entry_key = ?", s.namespace, key).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return kvEntry{}, false, nil
	}
	if err != nil {
		return kvEntry{}, false, err
	}
	return entry, true, nil
}
