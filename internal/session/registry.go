//go:build linux

package session

import (
	"errors"
	"fmt"
	"sync"
)

// Registry errors
var (
	ErrDuplicateID   = errors.New("session: duplicate identifier")
	ErrRegistryFull  = errors.New("session: registry full")
	ErrNotRegistered = errors.New("session: not registered")
)

// Registry is the set of live sessions keyed by identifier.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	max      int
}

// NewRegistry creates a registry holding at most max sessions; max <= 0
// means no limit.
func NewRegistry(max int) *Registry {
	return &Registry{
		sessions: make(map[uint64]*Session),
		max:      max,
	}
}

// Insert adds s. Each identifier may be present at most once.
func (r *Registry) Insert(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID()]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateID, s.ID())
	}
	if r.max > 0 && len(r.sessions) >= r.max {
		return fmt.Errorf("%w: %d sessions", ErrRegistryFull, len(r.sessions))
	}
	r.sessions[s.ID()] = s
	return nil
}

// Remove deletes the session with id and returns it.
func (r *Registry) Remove(id uint64) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotRegistered, id)
	}
	delete(r.sessions, id)
	return s, nil
}

// Get returns the session with id.
func (r *Registry) Get(id uint64) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Full reports whether another session would be rejected.
func (r *Registry) Full() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.max > 0 && len(r.sessions) >= r.max
}

// Snapshot returns the live sessions at the time of the call.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// ForEach calls fn once for every session present when ForEach was
// called. fn may insert or remove sessions.
func (r *Registry) ForEach(fn func(*Session)) {
	for _, s := range r.Snapshot() {
		fn(s)
	}
}

// IDAllocator hands out session identifiers: 1, 2, 3 and so on, never
// reusing a value.
type IDAllocator struct {
	mu   sync.Mutex
	last uint64
}

// Next returns a fresh identifier.
func (a *IDAllocator) Next() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.last++
	return a.last
}

// Last returns the most recently allocated identifier, 0 if none.
func (a *IDAllocator) Last() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}
