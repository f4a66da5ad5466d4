package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "wardkeep:"
	maxRedisRetries    = 64
)

// Redis stores JSON encoded values under prefixed keys and serialises
// per-key updates with WATCH/MULTI.
type Redis[V any] struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	owned  bool
}

// OpenRedis dials and pings a redis server.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// NewRedis wraps an existing client. Keys are stored as prefix+namespace+":"+key.
// A positive ttl is refreshed on every Put.
func NewRedis[V any](client *redis.Client, prefix, namespace string, ttl time.Duration) *Redis[V] {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if namespace != "" {
		prefix += namespace + ":"
	}
	return &Redis[V]{client: client, prefix: prefix, ttl: ttl}
}

func (s *Redis[V]) key(id string) string {
	return s.prefix + id
}

func (s *Redis[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, false, nil
		}
		return zero, false, err
	}
	var v V
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, true, nil
}

func (s *Redis[V]) Mutate(ctx context.Context, key string, fn MutateFunc[V]) error {
	if key == "" {
		return ErrInvalidKey
	}
	k := s.key(key)
	txf := func(tx *redis.Tx) error {
		var (
			cur   V
			found bool
		)
		raw, err := tx.Get(ctx, k).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(raw, &cur); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
			found = true
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
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, k, data, s.ttl)
				return nil
			})
			return err
		case Remove:
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Del(ctx, k)
				return nil
			})
			return err
		default:
			return nil
		}
	}

	for i := 0; i < maxRedisRetries; i++ {
		err := s.client.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConflict
}

func (s *Redis[V]) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

func (s *Redis[V]) Keys(ctx context.Context) ([]string, error) {
	var cursor uint64
	keys := make([]string, 0)
	pattern := s.prefix + "*"
	for {
		res, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range res {
			keys = append(keys, strings.TrimPrefix(key, s.prefix))
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return keys, nil
}

// Close closes the client only when the store opened it itself.
func (s *Redis[V]) Close(context.Context) error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}
