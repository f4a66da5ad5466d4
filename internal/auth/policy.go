package auth

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// PublicRole is the sentinel used in configuration for operations that need no session.
const PublicRole = "public"

// Rule lists the roles allowed to invoke an operation, or marks it public.
type Rule struct {
	public bool
	roles  []Role
}

// PublicRule allows callers without a session.
func PublicRule() Rule { return Rule{public: true} }

// RolesRule allows sessions holding any of roles.
func RolesRule(roles ...Role) Rule {
	set := make([]Role, 0, len(roles))
	for _, r := range roles {
		if r != "" && !slices.Contains(set, r) {
			set = append(set, r)
		}
	}
	return Rule{roles: set}
}

// ParseRule builds a rule from configuration strings. "public" must appear alone.
func ParseRule(values []string) (Rule, error) {
	if len(values) == 1 && strings.EqualFold(strings.TrimSpace(values[0]), PublicRole) {
		return PublicRule(), nil
	}
	roles := make([]Role, 0, len(values))
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), PublicRole) {
			return Rule{}, fmt.Errorf("%w: %q cannot be combined with roles", ErrInvalidInput, PublicRole)
		}
		r, err := ParseRole(v)
		if err != nil {
			return Rule{}, err
		}
		roles = append(roles, r)
	}
	rule := RolesRule(roles...)
	if !rule.valid() {
		return Rule{}, fmt.Errorf("%w: rule has no roles", ErrInvalidInput)
	}
	return rule, nil
}

func (r Rule) Public() bool { return r.public }

// Allows reports whether role satisfies the rule.
func (r Rule) Allows(role Role) bool {
	return r.public || slices.Contains(r.roles, role)
}

// Roles returns a copy of the allowed roles.
func (r Rule) Roles() []Role { return slices.Clone(r.roles) }

func (r Rule) valid() bool { return r.public || len(r.roles) > 0 }

func (r Rule) String() string {
	if r.public {
		return PublicRole
	}
	names := make([]string, len(r.roles))
	for i, role := range r.roles {
		names[i] = string(role)
	}
	return strings.Join(names, ",")
}

// Policy maps operation names to rules. It is immutable once built.
type Policy struct {
	rules map[string]Rule
}

// NewPolicy validates and copies rules.
func NewPolicy(rules map[string]Rule) (*Policy, error) {
	p := &Policy{rules: make(map[string]Rule, len(rules))}
	for name, rule := range rules {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("%w: empty operation name", ErrInvalidInput)
		}
		if !rule.valid() {
			return nil, fmt.Errorf("%w: operation %q has no roles", ErrInvalidInput, name)
		}
		p.rules[name] = rule
	}
	return p, nil
}

// Lookup returns the rule for operation. A nil policy has no entries.
func (p *Policy) Lookup(operation string) (Rule, bool) {
	if p == nil {
		return Rule{}, false
	}
	r, ok := p.rules[operation]
	return r, ok
}

// Operations lists configured operation names in order.
func (p *Policy) Operations() []string {
	if p == nil {
		return nil
	}
	names := make([]string, 0, len(p.rules))
	for name := range p.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WithOverrides returns a new policy where each override replaces or adds an entry.
func (p *Policy) WithOverrides(overrides map[string][]string) (*Policy, error) {
	merged := make(map[string]Rule, len(p.rules)+len(overrides))
	for name, rule := range p.rules {
		merged[name] = rule
	}
	for name, values := range overrides {
		rule, err := ParseRule(values)
		if err != nil {
			return nil, fmt.Errorf("policy override %q: %w", name, err)
		}
		merged[name] = rule
	}
	return NewPolicy(merged)
}
