package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wardkeep.org/internal/obs"
)

// Credentials is the login input.
type Credentials struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
}

// LoginResult is returned on successful login.
type LoginResult struct {
	SubjectID string `json:"subject_id"`
	Role      Role   `json:"role"`
	Token     string `json:"token"`
}

// Authenticator sequences throttle, credential check and session creation.
type Authenticator struct {
	accounts AccountDirectory
	throttle *Throttle
	sessions *Registry
	hasher   *PasswordHasher
	events   Publisher
	now      func() time.Time
}

// AuthenticatorOption configures Authenticator.
type AuthenticatorOption func(*Authenticator)

// WithHasher overrides the password hasher.
func WithHasher(h *PasswordHasher) AuthenticatorOption {
	return func(a *Authenticator) {
		if h != nil {
			a.hasher = h
		}
	}
}

// WithEvents publishes login and logout events to p.
func WithEvents(p Publisher) AuthenticatorOption {
	return func(a *Authenticator) {
		if p != nil {
			a.events = p
		}
	}
}

// WithClock overrides the timestamp source for events.
func WithClock(fn func() time.Time) AuthenticatorOption {
	return func(a *Authenticator) {
		if fn != nil {
			a.now = fn
		}
	}
}

func NewAuthenticator(accounts AccountDirectory, throttle *Throttle, sessions *Registry, opts ...AuthenticatorOption) *Authenticator {
	a := &Authenticator{
		accounts: accounts,
		throttle: throttle,
		sessions: sessions,
		hasher:   defaultHasher(),
		events:   nopPublisher{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Sessions exposes the registry backing this authenticator.
func (a *Authenticator) Sessions() *Registry { return a.sessions }

// Login verifies creds and opens a session. Unknown identifiers, wrong secrets
// and disabled accounts all yield ErrInvalidCredentials; an active block yields
// *RateLimitError even for a correct secret.
func (a *Authenticator) Login(ctx context.Context, creds Credentials) (LoginResult, error) {
	id := NormalizeIdentifier(creds.Identifier)
	if id == "" {
		a.fail(id, "empty identifier")
		return LoginResult{}, ErrInvalidCredentials
	}

	if err := a.throttle.Check(ctx, id); err != nil {
		if retry, ok := RetryAfter(err); ok {
			publish(a.events, Event{Topic: TopicLoginThrottled, Identifier: id, RetryAfter: retry, At: a.now()})
		}
		return LoginResult{}, err
	}
	if creds.Secret == "" {
		a.fail(id, "empty secret")
		return LoginResult{}, ErrInvalidCredentials
	}

	account, err := a.accounts.FindByIdentifier(ctx, id)
	if errors.Is(err, ErrNotFound) {
		if err := a.hasher.CheckUnknown(ctx, creds.Secret); err != nil {
			return LoginResult{}, err
		}
		a.fail(id, "unknown identifier")
		return LoginResult{}, ErrInvalidCredentials
	}
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: lookup account: %w", err)
	}

	match, err := a.hasher.Check(ctx, account.PasswordHash, creds.Secret)
	if err != nil {
		return LoginResult{}, err
	}
	if !match {
		a.fail(id, "secret mismatch")
		return LoginResult{}, ErrInvalidCredentials
	}
	if !account.Active() {
		a.fail(id, "account "+account.Status)
		return LoginResult{}, ErrInvalidCredentials
	}

	if err := a.throttle.Reset(ctx, id); err != nil {
		return LoginResult{}, err
	}
	token, err := a.sessions.Create(ctx, account.ID, account.Role)
	if err != nil {
		return LoginResult{}, err
	}
	publish(a.events, Event{
		Topic:      TopicLoginSucceeded,
		Identifier: id,
		SubjectID:  account.ID,
		Role:       account.Role,
		At:         a.now(),
	})
	return LoginResult{SubjectID: account.ID, Role: account.Role, Token: token}, nil
}

// Logout ends the session for token. It always succeeds; store failures are logged.
func (a *Authenticator) Logout(ctx context.Context, token string) error {
	sess, found, err := a.sessions.take(ctx, token)
	if err != nil {
		obs.Error("logout failed", map[string]any{"error": err.Error()})
		return nil
	}
	if found {
		publish(a.events, Event{Topic: TopicLogout, SubjectID: sess.SubjectID, Role: sess.Role, At: a.now()})
	}
	return nil
}

func (a *Authenticator) fail(identifier, reason string) {
	publish(a.events, Event{Topic: TopicLoginFailed, Identifier: identifier, Reason: reason, At: a.now()})
}
