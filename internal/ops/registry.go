// Package ops binds operation names to handlers behind the authorization gate.
package ops

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"wardkeep.org/internal/auth"
	"wardkeep.org/internal/obs"
)

// Handler runs an already authorized operation on its raw JSON payload.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

// Registry is safe for concurrent use. Handlers are normally registered at startup.
type Registry struct {
	gate *auth.Gate

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry(gate *auth.Gate) *Registry {
	return &Registry{gate: gate, handlers: make(map[string]Handler)}
}

// Register binds name to op. The payload is decoded into T only after the gate
// admitted the caller, so unauthenticated input never reaches a decoder.
func Register[T, R any](r *Registry, name string, op auth.Operation[T, R]) error {
	if name == "" || op == nil {
		return fmt.Errorf("%w: operation name and handler are required", auth.ErrInvalidInput)
	}
	h := func(ctx context.Context, raw json.RawMessage) (any, error) {
		var payload T
		if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
			if err := json.Unmarshal(trimmed, &payload); err != nil {
				return nil, fmt.Errorf("%w: decode %s payload: %v", auth.ErrInvalidInput, name, err)
			}
		}
		return op(ctx, payload)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[name]; dup {
		return fmt.Errorf("%w: operation %q already registered", auth.ErrAlreadyExists, name)
	}
	r.handlers[name] = h
	if _, ok := r.gate.Policy().Lookup(name); !ok {
		obs.Error("operation registered without policy entry", map[string]any{"operation": name})
	}
	return nil
}

// Invoke authorizes the caller for name and runs its handler. Authorization
// comes first so that unknown names leak nothing to unauthenticated callers and
// names missing from the policy still fail closed as unconfigured.
func (r *Registry) Invoke(ctx context.Context, name, token string, payload json.RawMessage) (any, error) {
	ctx, err := r.gate.Authorize(ctx, name, token)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", auth.ErrUnknownOperation, name)
	}
	return h(ctx, payload)
}

// Names lists registered operations in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unbound lists policy entries that have no handler yet.
func (r *Registry) Unbound() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, name := range r.gate.Policy().Operations() {
		if _, ok := r.handlers[name]; !ok {
			out = append(out, name)
		}
	}
	return out
}
