// Package registry tracks live websocket sessions by tunnel identifier.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"ttun/internal/tunnel"
)

// State of a session identifier.
type State int

const (
	Absent State = iota
	Connecting
	Open
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	default:
		return "absent"
	}
}

type entry[T comparable] struct {
	state State
	conn  T
}

// Registry maps identifiers to connection handles. A closed session is
// simply removed, so Absent doubles as closed.
type Registry[T comparable] struct {
	mu sync.RWMutex
	m  map[string]*entry[T]
}

func New[T comparable]() *Registry[T] {
	return &Registry[T]{
		m: make(map[string]*entry[T]),
	}
}

// Reserve moves id from absent to connecting. It fails if id is already
// connecting or open.
func (r *Registry[T]) Reserve(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.m[id]; ok {
		return fmt.Errorf("%w: session %q is already %s", tunnel.ErrSessionState, id, e.state)
	}
	r.m[id] = &entry[T]{state: Connecting}
	return nil
}

// Activate stores conn and moves id from connecting to open.
func (r *Registry[T]) Activate(id string, conn T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.m[id]
	if !ok || e.state != Connecting {
		return fmt.Errorf("%w: session %q is not connecting", tunnel.ErrSessionState, id)
	}
	e.state = Open
	e.conn = conn
	return nil
}

// Lookup returns the handle of an open session.
func (r *Registry[T]) Lookup(id string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.m[id]
	if !ok || e.state != Open {
		var zero T
		return zero, false
	}
	return e.conn, true
}

// State reports where id is in its lifecycle.
func (r *Registry[T]) State(id string) State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.m[id]; ok {
		return e.state
	}
	return Absent
}

// Remove deletes id and reports whether this call removed it. Only one of
// several concurrent callers gets true.
func (r *Registry[T]) Remove(id string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.m[id]
	if !ok {
		var zero T
		return zero, false
	}
	delete(r.m, id)
	return e.conn, true
}

// RemoveOpen is Remove restricted to open sessions.
func (r *Registry[T]) RemoveOpen(id string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.m[id]
	if !ok || e.state != Open {
		var zero T
		return zero, false
	}
	delete(r.m, id)
	return e.conn, true
}

// CompareAndRemove removes id only while it still holds conn.
func (r *Registry[T]) CompareAndRemove(id string, conn T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.m[id]
	if !ok || e.state != Open || e.conn != conn {
		return false
	}
	delete(r.m, id)
	return true
}

// IDs returns the currently registered identifiers, sorted.
func (r *Registry[T]) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.m))
	for k := range r.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}
