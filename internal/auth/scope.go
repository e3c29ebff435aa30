package auth

import (
	"fmt"
	"strings"
)

// Mode is the credential model an Authenticator was created with.
type Mode int

const (
	ModeClassic Mode = iota // one password per target, username is the target name
	ModeRBAC                // one cluster identity for every target
)

func (m Mode) String() string {
	switch m {
	case ModeClassic:
		return "classic"
	case ModeRBAC:
		return "rbac"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Scope selects what an Add call writes to.
type Scope uint8

const (
	ScopeBucket  Scope = 1 << iota // a single target's password
	ScopeCluster                   // the cluster (or legacy global) identity
)

func (s Scope) String() string {
	switch s {
	case ScopeBucket:
		return "bucket"
	case ScopeCluster:
		return "cluster"
	case ScopeBucket | ScopeCluster:
		return "bucket|cluster"
	case 0:
		return "none"
	default:
		return fmt.Sprintf("scope(%d)", uint8(s))
	}
}

// ParseScope accepts "bucket", "cluster" or both joined by '|' or ','.
// Parsing "bucket|cluster" succeeds; Add is what rejects it.
func ParseScope(s string) (Scope, error) {
	var scope Scope
	for _, part := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool { return r == '|' || r == ',' }) {
		switch strings.TrimSpace(part) {
		case "bucket":
			scope |= ScopeBucket
		case "cluster":
			scope |= ScopeCluster
		default:
			return 0, fmt.Errorf("%w: unknown scope %q", ErrInvalidScope, part)
		}
	}
	if scope == 0 {
		return 0, fmt.Errorf("%w: empty scope", ErrInvalidScope)
	}
	return scope, nil
}
