package store

import (
	"context"
	"sort"
	"sync"
)

// Memory is a process-local Store guarded by a single mutex.
type Memory[V any] struct {
	mu      sync.Mutex
	entries map[string]V
}

// NewMemory constructs an empty in-memory store.
func NewMemory[V any]() *Memory[V] {
	return &Memory[V]{entries: make(map[string]V)}
}

func (m *Memory[V]) Get(_ context.Context, key string) (V, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[key]
	return v, ok, nil
}

func (m *Memory[V]) Mutate(ctx context.Context, key string, fn MutateFunc[V]) error {
	if key == "" {
		return ErrInvalidKey
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, found := m.entries[key]
	next, action, err := fn(cur, found)
	if err != nil {
		return err
	}
	switch action {
	case Put:
		m.entries[key] = next
	case Remove:
		delete(m.entries, key)
	}
	return nil
}

func (m *Memory[V]) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory[V]) Keys(context.Context) ([]string, error) {
	m.mu.Lock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	m.mu.Unlock()
	sort.Strings(keys)
	return keys, nil
}

// Len reports the number of entries.
func (m *Memory[V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Memory[V]) Close(context.Context) error { return nil }
