// Package registry maps logical client names to their live connection.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNameTaken     = errors.New("registry: name already registered")
	ErrEmptyName     = errors.New("registry: empty name")
	ErrInvalidPolicy = errors.New("registry: invalid duplicate-name policy")
	ErrNilConnection = errors.New("registry: nil connection")
)

// Policy decides what happens when a name that is already live registers again.
type Policy string

const (
	// PolicyReplace evicts the previous holder.
	PolicyReplace Policy = "replace"
	// PolicyReject refuses the newcomer.
	PolicyReject Policy = "reject"
)

func ParsePolicy(raw string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PolicyReplace:
		return PolicyReplace, nil
	case PolicyReject:
		return PolicyReject, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPolicy, raw)
	}
}

// Conn is whatever the owner keeps per live connection. Entries compare by
// interface equality, so pointer types work best.
type Conn interface {
	Close() error
}

// Registry holds at most one live connection per name.
type Registry struct {
	policy Policy

	mu    sync.RWMutex
	conns map[string]Conn
}

func New(policy Policy) *Registry {
	if policy == "" {
		policy = PolicyReplace
	}
	return &Registry{
		policy: policy,
		conns:  make(map[string]Conn),
	}
}

func (r *Registry) Policy() Policy {
	return r.policy
}

// Register binds name to conn. Under PolicyReplace the previous holder, if
// any, is returned so the caller can close it outside the lock.
func (r *Registry) Register(name string, conn Conn) (Conn, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrEmptyName
	}
	if conn == nil {
		return nil, ErrNilConnection
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.conns[name]
	if ok && prev == conn {
		return nil, nil
	}
	if ok && r.policy == PolicyReject {
		return nil, fmt.Errorf("%w: %s", ErrNameTaken, name)
	}
	r.conns[name] = conn
	if ok {
		return prev, nil
	}
	return nil, nil
}

func (r *Registry) Lookup(name string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[name]
	return conn, ok
}

// Remove drops name only while conn is still its holder, so a connection
// that was replaced cannot unregister its successor.
func (r *Registry) Remove(name string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.conns[name]
	if !ok || cur != conn {
		return false
	}
	delete(r.conns, name)
	return true
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.conns))
	for name := range r.conns {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Drain empties the registry and returns what it held.
func (r *Registry) Drain() []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Conn, 0, len(r.conns))
	for name, conn := range r.conns {
		out = append(out, conn)
		delete(r.conns, name)
	}
	return out
}
