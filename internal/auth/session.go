package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"wardkeep.org/internal/obs"
	"wardkeep.org/internal/store"
)

const (
	DefaultSessionTimeout = 24 * time.Hour
	DefaultSweepInterval  = time.Hour

	tokenBytes       = 16
	maxTokenAttempts = 3
)

var errTokenSpace = errors.New("auth: could not allocate a unique session token")

// Session binds an opaque token to an authenticated subject.
type Session struct {
	SubjectID    string    `json:"subject_id"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Expired reports whether the session timed out at now.
func (s Session) Expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastActivity) >= timeout
}

// SweepStats summarises one sweep pass.
type SweepStats struct {
	Evicted   int
	Remaining int
}

// Registry issues and validates session tokens with sliding expiry.
// Entries are keyed by the SHA-256 of the token.
type Registry struct {
	sessions store.Store[Session]
	timeout  time.Duration
	now      func() time.Time
	random   io.Reader
	events   Publisher
}

// RegistryOption configures Registry.
type RegistryOption func(*Registry)

func WithSessionTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithSessionClock overrides the time source.
func WithSessionClock(fn func() time.Time) RegistryOption {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithTokenSource overrides the random source used for tokens.
func WithTokenSource(src io.Reader) RegistryOption {
	return func(r *Registry) {
		if src != nil {
			r.random = src
		}
	}
}

// WithSessionEvents publishes sweep and revocation events to p.
func WithSessionEvents(p Publisher) RegistryOption {
	return func(r *Registry) {
		if p != nil {
			r.events = p
		}
	}
}

// NewRegistry builds a Registry over sessions. A nil store selects an in-memory one.
func NewRegistry(sessions store.Store[Session], opts ...RegistryOption) *Registry {
	if sessions == nil {
		sessions = store.NewMemory[Session]()
	}
	r := &Registry{
		sessions: sessions,
		timeout:  DefaultSessionTimeout,
		now:      time.Now,
		random:   rand.Reader,
		events:   nopPublisher{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Timeout returns the sliding inactivity timeout.
func (r *Registry) Timeout() time.Duration { return r.timeout }

// Create stores a new session and returns its token.
func (r *Registry) Create(ctx context.Context, subjectID string, role Role) (string, error) {
	if strings.TrimSpace(subjectID) == "" || role == "" {
		return "", ErrInvalidInput
	}
	now := r.now()
	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		token, err := r.newToken()
		if err != nil {
			return "", err
		}
		inserted := false
		err = r.sessions.Mutate(ctx, storageKey(token), func(cur Session, found bool) (Session, store.Action, error) {
			inserted = !found
			if found {
				return cur, store.Unchanged, nil
			}
			return Session{SubjectID: subjectID, Role: role, CreatedAt: now, LastActivity: now}, store.Put, nil
		})
		if err != nil {
			return "", fmt.Errorf("auth: create session: %w", err)
		}
		if inserted {
			return token, nil
		}
	}
	return "", errTokenSpace
}

// Resolve returns the live session for token and slides its expiry forward.
// Expired sessions are removed and reported as absent.
func (r *Registry) Resolve(ctx context.Context, token string) (Session, bool, error) {
	if token == "" {
		return Session{}, false, nil
	}
	now := r.now()
	var (
		sess Session
		ok   bool
	)
	err := r.sessions.Mutate(ctx, storageKey(token), func(cur Session, found bool) (Session, store.Action, error) {
		sess, ok = Session{}, false
		if !found {
			return cur, store.Unchanged, nil
		}
		if cur.Expired(now, r.timeout) {
			return cur, store.Remove, nil
		}
		if now.After(cur.LastActivity) {
			cur.LastActivity = now
		}
		sess, ok = cur, true
		return cur, store.Put, nil
	})
	if err != nil {
		return Session{}, false, fmt.Errorf("auth: resolve session: %w", err)
	}
	return sess, ok, nil
}

// Destroy removes the session for token. Unknown tokens are not an error.
func (r *Registry) Destroy(ctx context.Context, token string) error {
	_, _, err := r.take(ctx, token)
	return err
}

// take removes the session for token and returns what was stored.
func (r *Registry) take(ctx context.Context, token string) (Session, bool, error) {
	if token == "" {
		return Session{}, false, nil
	}
	var (
		sess  Session
		found bool
	)
	err := r.sessions.Mutate(ctx, storageKey(token), func(cur Session, ok bool) (Session, store.Action, error) {
		sess, found = cur, ok
		if !ok {
			return cur, store.Unchanged, nil
		}
		return cur, store.Remove, nil
	})
	if err != nil {
		return Session{}, false, fmt.Errorf("auth: destroy session: %w", err)
	}
	return sess, found, nil
}

// DestroySubject removes every session held by subjectID.
func (r *Registry) DestroySubject(ctx context.Context, subjectID string) (int, error) {
	if subjectID == "" {
		return 0, ErrInvalidInput
	}
	n, err := r.removeWhere(ctx, func(s Session, _ time.Time) bool { return s.SubjectID == subjectID })
	if err != nil {
		return n, err
	}
	publish(r.events, Event{Topic: TopicSessionsRevoked, SubjectID: subjectID, Count: n, At: r.now()})
	return n, nil
}

// Sweep evicts every expired session.
func (r *Registry) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	evicted, err := r.removeWhere(ctx, func(s Session, now time.Time) bool {
		return s.Expired(now, r.timeout)
	})
	stats.Evicted = evicted
	if err != nil {
		return stats, err
	}
	keys, err := r.sessions.Keys(ctx)
	if err != nil {
		return stats, fmt.Errorf("auth: list sessions: %w", err)
	}
	stats.Remaining = len(keys)
	publish(r.events, Event{Topic: TopicSessionsSwept, Count: stats.Evicted, Remaining: stats.Remaining, At: r.now()})
	return stats, nil
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	runEvery(ctx, interval, "session sweep", func(ctx context.Context) error {
		_, err := r.Sweep(ctx)
		return err
	})
}

// removeWhere re-checks each entry under Mutate so concurrent resolves are not lost.
func (r *Registry) removeWhere(ctx context.Context, match func(Session, time.Time) bool) (int, error) {
	keys, err := r.sessions.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("auth: list sessions: %w", err)
	}
	n := 0
	for _, key := range keys {
		now := r.now()
		removed := false
		err := r.sessions.Mutate(ctx, key, func(cur Session, found bool) (Session, store.Action, error) {
			removed = found && match(cur, now)
			if !removed {
				return cur, store.Unchanged, nil
			}
			return cur, store.Remove, nil
		})
		if err != nil {
			return n, fmt.Errorf("auth: remove session: %w", err)
		}
		if removed {
			n++
		}
	}
	return n, nil
}

func (r *Registry) newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(r.random, buf); err != nil {
		return "", fmt.Errorf("auth: read token entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func storageKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func runEvery(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				obs.Error(name+" failed", map[string]any{"error": err.Error()})
			}
		}
	}
}
