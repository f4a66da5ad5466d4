package auth

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

const (
	// MinPasswordCost is the lowest bcrypt cost accepted for new hashes.
	MinPasswordCost     = 10
	DefaultPasswordCost = 12

	maxSecretBytes = 72
)

// PasswordHasher hashes and checks secrets with bcrypt on a bounded number of slots.
type PasswordHasher struct {
	cost  int
	slots *semaphore.Weighted

	dummy string
}

// NewPasswordHasher clamps cost into [MinPasswordCost, bcrypt.MaxCost]; zero selects
// DefaultPasswordCost. A non-positive concurrency defaults to the CPU count.
func NewPasswordHasher(cost int, concurrency int64) *PasswordHasher {
	switch {
	case cost == 0:
		cost = DefaultPasswordCost
	case cost < MinPasswordCost:
		cost = MinPasswordCost
	case cost > bcrypt.MaxCost:
		cost = bcrypt.MaxCost
	}
	if concurrency <= 0 {
		concurrency = int64(runtime.NumCPU())
	}
	return newPasswordHasher(cost, concurrency)
}

func newPasswordHasher(cost int, concurrency int64) *PasswordHasher {
	h := &PasswordHasher{cost: cost, slots: semaphore.NewWeighted(concurrency)}
	if hash, err := bcrypt.GenerateFromPassword([]byte("wardkeep-unknown-account"), cost); err == nil {
		h.dummy = string(hash)
	}
	return h
}

// Cost returns the bcrypt work factor used for new hashes.
func (h *PasswordHasher) Cost() int { return h.cost }

// Hash produces a salted bcrypt hash of secret.
func (h *PasswordHasher) Hash(ctx context.Context, secret string) (string, error) {
	if secret == "" || len(secret) > maxSecretBytes {
		return "", fmt.Errorf("%w: secret must be 1-%d bytes", ErrInvalidInput, maxSecretBytes)
	}
	if err := h.slots.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer h.slots.Release(1)
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), h.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Check verifies secret against hash once a slot is free. The error is non-nil
// only when ctx ends before a slot is acquired.
func (h *PasswordHasher) Check(ctx context.Context, hash, secret string) (bool, error) {
	if err := h.slots.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer h.slots.Release(1)
	return Verify(hash, secret), nil
}

// CheckUnknown spends the same work as Check against a throwaway hash built
// at construction. Stored hashes should use the hasher's cost, or the compare
// time differs between known and unknown identifiers.
func (h *PasswordHasher) CheckUnknown(ctx context.Context, secret string) error {
	_, err := h.Check(ctx, h.dummy, secret)
	return err
}

// MatchesCost reports whether hash was produced with the hasher's cost.
func (h *PasswordHasher) MatchesCost(hash string) bool {
	cost, err := bcrypt.Cost([]byte(hash))
	return err == nil && cost == h.cost
}

// Verify compares secret with a stored bcrypt hash in constant time.
// Empty or malformed hashes never match, and neither do secrets Hash would
// reject: bcrypt ignores bytes past 72, so a longer secret could otherwise
// match a hash of its prefix.
func Verify(hash, secret string) bool {
	if hash == "" || secret == "" || len(secret) > maxSecretBytes {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

var defaultHasher = sync.OnceValue(func() *PasswordHasher {
	return NewPasswordHasher(DefaultPasswordCost, 0)
})

// HashPassword hashes secret with the default hasher.
func HashPassword(secret string) (string, error) {
	return defaultHasher().Hash(context.Background(), secret)
}

// VerifyPassword compares secret with hash.
func VerifyPassword(hash, secret string) bool {
	return Verify(hash, secret)
}
