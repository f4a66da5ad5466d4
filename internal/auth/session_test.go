package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"wardkeep.org/internal/store"
)

func TestRegistryCreateIssuesOpaqueTokens(t *testing.T) {
	sessions := store.NewMemory[Session]()
	reg := NewRegistry(sessions)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		token, err := reg.Create(ctx, "mgr-1", RoleManager)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		raw, err := base64.RawURLEncoding.DecodeString(token)
		if err != nil || len(raw) != 16 {
			t.Fatalf("token %q is not 128 bits of base64url: %v", token, err)
		}
		if seen[token] {
			t.Fatalf("duplicate token %q", token)
		}
		seen[token] = true
		if strings.Contains(token, "mgr-1") {
			t.Fatalf("token leaks subject")
		}
	}

	keys, _ := sessions.Keys(ctx)
	for _, k := range keys {
		if seen[k] {
			t.Fatalf("store is keyed by raw tokens")
		}
	}

	if _, err := reg.Create(ctx, " ", RoleManager); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestRegistryCreateRetriesCollisions(t *testing.T) {
	reg := NewRegistry(nil, WithTokenSource(bytes.NewReader(make([]byte, 16*8))))
	ctx := context.Background()

	if _, err := reg.Create(ctx, "s", RoleManager); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := reg.Create(ctx, "s", RoleManager); !errors.Is(err, errTokenSpace) {
		t.Fatalf("expected collision failure, got %v", err)
	}
}

func TestRegistrySlidingExpiry(t *testing.T) {
	clock := newFakeClock()
	sessions := store.NewMemory[Session]()
	reg := NewRegistry(sessions, WithSessionClock(clock.Now))
	ctx := context.Background()

	token, err := reg.Create(ctx, "sup-1", RoleSupervisor)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	created := clock.Now()

	for i := 0; i < 3; i++ {
		clock.Advance(23 * time.Hour)
		sess, ok, err := reg.Resolve(ctx, token)
		if err != nil || !ok {
			t.Fatalf("resolve %d: ok=%v err=%v", i, ok, err)
		}
		if !sess.LastActivity.Equal(clock.Now()) || !sess.CreatedAt.Equal(created) {
			t.Fatalf("unexpected timestamps: %+v", sess)
		}
	}

	clock.Advance(DefaultSessionTimeout - time.Nanosecond)
	if _, ok, _ := reg.Resolve(ctx, token); !ok {
		t.Fatalf("session should be valid just before timeout")
	}

	clock.Advance(DefaultSessionTimeout)
	if _, ok, _ := reg.Resolve(ctx, token); ok {
		t.Fatalf("session should expire exactly at timeout")
	}
	if sessions.Len() != 0 {
		t.Fatalf("expired session should be removed lazily")
	}
}

func TestRegistryDestroy(t *testing.T) {
	reg := NewRegistry(nil)
	ctx := context.Background()

	token, _ := reg.Create(ctx, "mgr-1", RoleManager)
	if err := reg.Destroy(ctx, token); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, ok, _ := reg.Resolve(ctx, token); ok {
		t.Fatalf("resolve after destroy must fail")
	}
	for _, tok := range []string{token, "never-issued", ""} {
		if err := reg.Destroy(ctx, tok); err != nil {
			t.Fatalf("destroy %q: %v", tok, err)
		}
		if _, ok, _ := reg.Resolve(ctx, tok); ok {
			t.Fatalf("resolve %q after destroy must fail", tok)
		}
	}
}

func TestRegistrySweep(t *testing.T) {
	clock := newFakeClock()
	events := &recorder{}
	sessions := store.NewMemory[Session]()
	reg := NewRegistry(sessions, WithSessionClock(clock.Now), WithSessionEvents(events), WithSessionTimeout(time.Hour))
	ctx := context.Background()

	a, _ := reg.Create(ctx, "a", RoleManager)
	_, _ = reg.Create(ctx, "b", RoleManager)
	_, _ = reg.Create(ctx, "c", RoleSupervisor)

	clock.Advance(30 * time.Minute)
	if _, ok, _ := reg.Resolve(ctx, a); !ok {
		t.Fatalf("resolve a")
	}
	clock.Advance(45 * time.Minute)

	stats, err := reg.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Evicted != 2 || stats.Remaining != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	ev := events.last()
	if ev.Topic != TopicSessionsSwept || ev.Count != 2 || ev.Remaining != 1 {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if _, ok, _ := reg.Resolve(ctx, a); !ok {
		t.Fatalf("active session was swept")
	}
}

func TestRegistryDestroySubject(t *testing.T) {
	events := &recorder{}
	reg := NewRegistry(nil, WithSessionEvents(events))
	ctx := context.Background()

	t1, _ := reg.Create(ctx, "mgr-1", RoleManager)
	t2, _ := reg.Create(ctx, "mgr-1", RoleManager)
	t3, _ := reg.Create(ctx, "sup-1", RoleSupervisor)

	n, err := reg.DestroySubject(ctx, "mgr-1")
	if err != nil || n != 2 {
		t.Fatalf("DestroySubject = %d, %v", n, err)
	}
	for _, tok := range []string{t1, t2} {
		if _, ok, _ := reg.Resolve(ctx, tok); ok {
			t.Fatalf("revoked session still valid")
		}
	}
	if _, ok, _ := reg.Resolve(ctx, t3); !ok {
		t.Fatalf("unrelated session revoked")
	}
	if ev := events.last(); ev.Topic != TopicSessionsRevoked || ev.Count != 2 {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestRegistryRunSweepsInBackground(t *testing.T) {
	clock := newFakeClock()
	sessions := store.NewMemory[Session]()
	reg := NewRegistry(sessions, WithSessionClock(clock.Now))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, _ = reg.Create(ctx, "a", RoleManager)
	clock.Advance(DefaultSessionTimeout)

	done := make(chan struct{})
	go func() {
		reg.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for sessions.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("background sweep did not evict")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}
