package auth

import (
	"context"
	"time"

	"wardkeep.org/internal/obs"
)

// SessionResolver validates tokens. *Registry implements it.
type SessionResolver interface {
	Resolve(ctx context.Context, token string) (Session, bool, error)
}

// Request is the authenticated envelope every guarded operation receives.
type Request[T any] struct {
	Token   string `json:"token"`
	Payload T      `json:"payload"`
}

// Operation is a privileged application function.
type Operation[T, R any] func(ctx context.Context, payload T) (R, error)

// Gate decides whether a caller may invoke a named operation.
type Gate struct {
	policy   *Policy
	sessions SessionResolver
	events   Publisher
	now      func() time.Time
}

// GateOption configures Gate.
type GateOption func(*Gate)

// WithGateEvents publishes denials and unconfigured lookups to p.
func WithGateEvents(p Publisher) GateOption {
	return func(g *Gate) {
		if p != nil {
			g.events = p
		}
	}
}

// WithGateClock overrides the timestamp source for events.
func WithGateClock(fn func() time.Time) GateOption {
	return func(g *Gate) {
		if fn != nil {
			g.now = fn
		}
	}
}

func NewGate(policy *Policy, sessions SessionResolver, opts ...GateOption) *Gate {
	g := &Gate{policy: policy, sessions: sessions, events: nopPublisher{}, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Policy returns the table the gate enforces.
func (g *Gate) Policy() *Policy { return g.policy }

// Authorize checks token against the rule for operation. On success the
// returned context carries the resolved session (none for public operations).
func (g *Gate) Authorize(ctx context.Context, operation, token string) (context.Context, error) {
	rule, ok := g.policy.Lookup(operation)
	if !ok {
		obs.Error("operation has no policy entry", map[string]any{"operation": operation})
		publish(g.events, Event{Topic: TopicOperationUnconfigured, Operation: operation, At: g.now()})
		return ctx, &UnconfiguredError{Operation: operation}
	}
	if rule.Public() {
		return ctx, nil
	}
	if token == "" {
		g.deny(operation, Session{}, "missing token")
		return ctx, ErrUnauthorized
	}
	sess, ok, err := g.sessions.Resolve(ctx, token)
	if err != nil {
		obs.Error("session lookup failed", map[string]any{"operation": operation, "error": err.Error()})
		g.deny(operation, Session{}, "session store unavailable")
		return ctx, ErrUnauthorized
	}
	if !ok {
		g.deny(operation, Session{}, "invalid or expired session")
		return ctx, ErrUnauthorized
	}
	if !rule.Allows(sess.Role) {
		g.deny(operation, sess, "role not permitted")
		return ctx, &ForbiddenError{Operation: operation, Required: rule.Roles()}
	}
	ctx = ContextWithSession(ctx, sess)
	return ContextWithToken(ctx, token), nil
}

func (g *Gate) deny(operation string, sess Session, reason string) {
	publish(g.events, Event{
		Topic:     TopicAccessDenied,
		SubjectID: sess.SubjectID,
		Role:      sess.Role,
		Operation: operation,
		Reason:    reason,
		At:        g.now(),
	})
}

// Guard wraps op so it only runs once the gate admits the request. The
// operation's result is returned unchanged.
func Guard[T, R any](g *Gate, operation string, op Operation[T, R]) func(context.Context, Request[T]) (R, error) {
	return func(ctx context.Context, req Request[T]) (R, error) {
		ctx, err := g.Authorize(ctx, operation, req.Token)
		if err != nil {
			var zero R
			return zero, err
		}
		return op(ctx, req.Payload)
	}
}
