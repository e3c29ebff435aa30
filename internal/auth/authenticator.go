// Package auth holds the credential store shared by client handles.
package auth

import (
	"fmt"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
)

// DefaultTarget is the target registered by NewDefault.
const DefaultTarget = "default"

// credentialState is either *classicState or *rbacState.
type credentialState interface {
	mode() Mode
	clone() credentialState
}

// classicState keeps a password per target plus the legacy global identity.
type classicState struct {
	buckets  map[string]string
	username string
	password string
}

func (*classicState) mode() Mode { return ModeClassic }

func (s *classicState) clone() credentialState {
	return &classicState{buckets: maps.Clone(s.buckets), username: s.username, password: s.password}
}

// rbacState is a single cluster identity. It has no bucket map at all.
type rbacState struct {
	username string
	password string
}

func (*rbacState) mode() Mode { return ModeRBAC }

func (s *rbacState) clone() credentialState {
	c := *s
	return &c
}

// Authenticator is a reference-counted credential store. It is safe for
// concurrent use; lookups share a read lock and never block each other.
//
// An Authenticator starts with a reference count of one. Every additional
// owner calls Ref and every owner calls Unref exactly once when done. The
// state is dropped when the count reaches zero and any later use panics.
type Authenticator struct {
	mu    sync.RWMutex
	state credentialState // nil once released
	refs  atomic.Int64
}

func newAuthenticator(state credentialState) *Authenticator {
	a := &Authenticator{state: state}
	a.refs.Store(1)
	return a
}

// New returns an empty classic-mode authenticator with no registered targets.
func New() *Authenticator {
	return newAuthenticator(&classicState{buckets: map[string]string{}})
}

// NewDefault returns a classic-mode authenticator with the "default" target
// registered with an empty password.
func NewDefault() *Authenticator {
	return newAuthenticator(&classicState{buckets: map[string]string{DefaultTarget: ""}})
}

// NewFromIdentity returns an RBAC-mode authenticator for username with an
// empty password.
func NewFromIdentity(username string) *Authenticator {
	return newAuthenticator(&rbacState{username: username})
}

// Clone returns an independent copy with its own reference count of one.
func (a *Authenticator) Clone() *Authenticator {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return newAuthenticator(a.live().clone())
}

// live returns the current state. Callers must hold a.mu.
func (a *Authenticator) live() credentialState {
	if a.state == nil {
		panic("auth: use of released Authenticator")
	}
	return a.state
}

// Add stores a credential. With ScopeBucket, identifier is the target and
// secret its password. With ScopeCluster, identifier and secret replace the
// cluster identity. Requesting both scopes is always an ErrOptionsConflict,
// as is ScopeBucket on an RBAC authenticator. A failed Add changes nothing.
func (a *Authenticator) Add(identifier, secret string, scope Scope) error {
	switch scope {
	case ScopeBucket, ScopeCluster:
	case ScopeBucket | ScopeCluster:
		return fmt.Errorf("%w: bucket and cluster scope are mutually exclusive", ErrOptionsConflict)
	case 0:
		return fmt.Errorf("%w: no scope given", ErrInvalidScope)
	default:
		return fmt.Errorf("%w: %s", ErrInvalidScope, scope)
	}
	if scope == ScopeBucket && identifier == "" {
		return fmt.Errorf("%w: bucket credential needs a target name", ErrInvalidArgument)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	switch s := a.live().(type) {
	case *rbacState:
		if scope == ScopeBucket {
			return fmt.Errorf("%w: per-bucket credentials are not allowed in %s mode", ErrOptionsConflict, ModeRBAC)
		}
		s.username, s.password = identifier, secret
	case *classicState:
		if scope == ScopeBucket {
			s.buckets[identifier] = secret
		} else {
			s.username, s.password = identifier, secret
		}
	}
	return nil
}

// Mode reports the credential model.
func (a *Authenticator) Mode() Mode {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.live().mode()
}

// Username returns the cluster identity's username in either mode.
func (a *Authenticator) Username() string {
	u, _ := a.identity()
	return u
}

// Password returns the cluster identity's password in either mode.
func (a *Authenticator) Password() string {
	_, p := a.identity()
	return p
}

func (a *Authenticator) identity() (string, string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	switch s := a.live().(type) {
	case *rbacState:
		return s.username, s.password
	case *classicState:
		return s.username, s.password
	}
	return "", ""
}

// Buckets returns a copy of the per-target passwords. It is empty in RBAC mode.
func (a *Authenticator) Buckets() map[string]string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if s, ok := a.live().(*classicState); ok {
		return maps.Clone(s.buckets)
	}
	return map[string]string{}
}

// Targets returns the registered target names, sorted.
func (a *Authenticator) Targets() []string {
	buckets := a.Buckets()
	names := make([]string, 0, len(buckets))
	for name := range buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot is a point-in-time view of an authenticator without passwords.
type Snapshot struct {
	Mode     Mode
	Username string
	Targets  []string
	Refcount int64
}

// Snapshot reads mode, cluster username and targets under one lock, so they
// always describe the same generation of credentials.
func (a *Authenticator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	snap := Snapshot{Targets: []string{}, Refcount: a.refs.Load()}
	switch s := a.live().(type) {
	case *rbacState:
		snap.Mode, snap.Username = ModeRBAC, s.username
	case *classicState:
		snap.Mode, snap.Username = ModeClassic, s.username
		for name := range s.buckets {
			snap.Targets = append(snap.Targets, name)
		}
		sort.Strings(snap.Targets)
	}
	return snap
}

// UsernameFor returns the username to authenticate against target.
func (a *Authenticator) UsernameFor(target string) string {
	u, _ := a.CredentialsFor(target)
	return u
}

// PasswordFor returns the password to authenticate against target. Unknown
// targets in classic mode have an empty password.
func (a *Authenticator) PasswordFor(target string) string {
	_, p := a.CredentialsFor(target)
	return p
}

// CredentialsFor returns the username and password for target, read under
// one lock so both come from the same generation of credentials.
func (a *Authenticator) CredentialsFor(target string) (username, password string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	switch s := a.live().(type) {
	case *rbacState:
		return s.username, s.password
	case *classicState:
		return target, s.buckets[target]
	}
	return "", ""
}

// Ref adds an owner and returns a. It panics if a was already released.
func (a *Authenticator) Ref() *Authenticator {
	for {
		n := a.refs.Load()
		if n <= 0 {
			panic("auth: Ref on released Authenticator")
		}
		if a.refs.CompareAndSwap(n, n+1) {
			return a
		}
	}
}

// Unref drops an owner. The last Unref releases the stored credentials.
// Releasing more references than were taken panics.
func (a *Authenticator) Unref() {
	for {
		n := a.refs.Load()
		if n <= 0 {
			panic("auth: Unref on released Authenticator")
		}
		if !a.refs.CompareAndSwap(n, n-1) {
			continue
		}
		if n == 1 {
			a.mu.Lock()
			a.state = nil
			a.mu.Unlock()
		}
		return
	}
}

// Refcount returns the current number of owners. It is only a snapshot.
func (a *Authenticator) Refcount() int64 {
	return a.refs.Load()
}
