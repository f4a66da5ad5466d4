package auth

import (
	"context"
	"fmt"
	"time"

	"wardkeep.org/internal/store"
)

const (
	DefaultMaxAttempts   = 5
	DefaultAttemptWindow = 60 * time.Second
	DefaultBlockDuration = 300 * time.Second
)

// AttemptRecord counts login attempts for one identifier.
type AttemptRecord struct {
	Count        int       `json:"count"`
	WindowStart  time.Time `json:"window_start"`
	BlockedUntil time.Time `json:"blocked_until,omitempty"`
}

// Blocked reports whether a block is active at now.
func (r AttemptRecord) Blocked(now time.Time) bool {
	return !r.BlockedUntil.IsZero() && now.Before(r.BlockedUntil)
}

// Throttle blocks an identifier for a while after too many attempts in a window.
type Throttle struct {
	attempts    store.Store[AttemptRecord]
	maxAttempts int
	window      time.Duration
	block       time.Duration
	now         func() time.Time
}

// ThrottleOption configures Throttle.
type ThrottleOption func(*Throttle)

func WithMaxAttempts(n int) ThrottleOption {
	return func(t *Throttle) {
		if n > 0 {
			t.maxAttempts = n
		}
	}
}

func WithAttemptWindow(d time.Duration) ThrottleOption {
	return func(t *Throttle) {
		if d > 0 {
			t.window = d
		}
	}
}

func WithBlockDuration(d time.Duration) ThrottleOption {
	return func(t *Throttle) {
		if d > 0 {
			t.block = d
		}
	}
}

// WithThrottleClock overrides the time source.
func WithThrottleClock(fn func() time.Time) ThrottleOption {
	return func(t *Throttle) {
		if fn != nil {
			t.now = fn
		}
	}
}

// NewThrottle builds a Throttle over attempts. A nil store selects an in-memory one.
func NewThrottle(attempts store.Store[AttemptRecord], opts ...ThrottleOption) *Throttle {
	if attempts == nil {
		attempts = store.NewMemory[AttemptRecord]()
	}
	t := &Throttle{
		attempts:    attempts,
		maxAttempts: DefaultMaxAttempts,
		window:      DefaultAttemptWindow,
		block:       DefaultBlockDuration,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Check records an attempt for identifier. It returns a *RateLimitError while
// the identifier is blocked, including for the attempt that triggers the block.
func (t *Throttle) Check(ctx context.Context, identifier string) error {
	if identifier == "" {
		return ErrInvalidInput
	}
	now := t.now()
	var limited *RateLimitError
	err := t.attempts.Mutate(ctx, identifier, func(rec AttemptRecord, found bool) (AttemptRecord, store.Action, error) {
		limited = nil
		if found && rec.Blocked(now) {
			limited = &RateLimitError{Remaining: rec.BlockedUntil.Sub(now)}
			return rec, store.Unchanged, nil
		}
		if !found || now.Sub(rec.WindowStart) > t.window {
			return AttemptRecord{Count: 1, WindowStart: now}, store.Put, nil
		}
		rec.Count++
		if rec.Count > t.maxAttempts {
			rec.BlockedUntil = now.Add(t.block)
			limited = &RateLimitError{Remaining: t.block}
		}
		return rec, store.Put, nil
	})
	if err != nil {
		return fmt.Errorf("auth: throttle check: %w", err)
	}
	if limited != nil {
		return limited
	}
	return nil
}

// Reset forgets every attempt for identifier.
func (t *Throttle) Reset(ctx context.Context, identifier string) error {
	if err := t.attempts.Delete(ctx, identifier); err != nil {
		return fmt.Errorf("auth: throttle reset: %w", err)
	}
	return nil
}

// Sweep drops records whose window and block have both lapsed.
func (t *Throttle) Sweep(ctx context.Context) (int, error) {
	keys, err := t.attempts.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("auth: list attempts: %w", err)
	}
	evicted := 0
	for _, key := range keys {
		now := t.now()
		removed := false
		err := t.attempts.Mutate(ctx, key, func(rec AttemptRecord, found bool) (AttemptRecord, store.Action, error) {
			removed = false
			if !found || rec.Blocked(now) || now.Sub(rec.WindowStart) <= t.window {
				return rec, store.Unchanged, nil
			}
			removed = true
			return rec, store.Remove, nil
		})
		if err != nil {
			return evicted, fmt.Errorf("auth: sweep attempt: %w", err)
		}
		if removed {
			evicted++
		}
	}
	return evicted, nil
}

// Run sweeps stale attempt records every interval until ctx is done.
func (t *Throttle) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	runEvery(ctx, interval, "attempt sweep", func(ctx context.Context) error {
		_, err := t.Sweep(ctx)
		return err
	})
}
