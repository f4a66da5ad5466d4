package auth

import (
	"fmt"
	"strings"
	"time"
)

// Role is a coarse permission group assigned at login.
type Role string

const (
	RoleManager    Role = "manager"
	RoleSupervisor Role = "supervisor"
)

// KnownRoles lists every role the facility recognises.
var KnownRoles = []Role{RoleManager, RoleSupervisor}

// ParseRole normalises s and rejects roles outside KnownRoles.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range KnownRoles {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
}

// Account statuses.
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

// Account is the data-layer view of a login identity.
type Account struct {
	ID           string
	Identifier   string
	PasswordHash string
	Role         Role
	Status       string
	CreatedAt    time.Time
}

// Active reports whether the account may sign in.
func (a Account) Active() bool { return a.Status == StatusActive }

// NormalizeIdentifier trims and lower-cases a login identifier.
func NormalizeIdentifier(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
