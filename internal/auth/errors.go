package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrRateLimited        = errors.New("auth: too many attempts")
	ErrUnauthorized       = errors.New("auth: unauthorized")
	ErrForbidden          = errors.New("auth: forbidden")
	ErrUnconfigured       = errors.New("auth: operation has no policy entry")
	ErrUnknownOperation   = errors.New("auth: unknown operation")
	ErrNotFound           = errors.New("auth: not found")
	ErrAlreadyExists      = errors.New("auth: already exists")
	ErrInvalidInput       = errors.New("auth: invalid input")
)

// RateLimitError reports an active block on an identifier.
type RateLimitError struct {
	Remaining time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("auth: too many attempts, retry in %ds", e.RemainingSeconds())
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// RemainingSeconds rounds the remaining block up to whole seconds.
func (e *RateLimitError) RemainingSeconds() int64 {
	if e == nil || e.Remaining <= 0 {
		return 0
	}
	return int64((e.Remaining + time.Second - 1) / time.Second)
}

// ForbiddenError is returned when a valid session lacks the role an operation requires.
type ForbiddenError struct {
	Operation string
	Required  []Role
}

func (e *ForbiddenError) Error() string {
	names := make([]string, len(e.Required))
	for i, r := range e.Required {
		names[i] = string(r)
	}
	return fmt.Sprintf("auth: %s requires role %s", e.Operation, strings.Join(names, " or "))
}

func (e *ForbiddenError) Is(target error) bool { return target == ErrForbidden }

// UnconfiguredError names an operation that was invoked without a policy entry.
type UnconfiguredError struct {
	Operation string
}

func (e *UnconfiguredError) Error() string {
	return fmt.Sprintf("auth: operation %q has no policy entry", e.Operation)
}

func (e *UnconfiguredError) Is(target error) bool { return target == ErrUnconfigured }

// RetryAfter extracts the remaining block from a rate limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.Remaining, true
	}
	return 0, false
}
