package relay

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	// ErrDuplicateSession is returned by Registry.Add for an id that is
	// already live.
	ErrDuplicateSession = errors.New("relay: duplicate session id")

	// ErrSessionNotFound is returned by Registry.Get for an unknown id.
	ErrSessionNotFound = errors.New("relay: session not found")
)

// Registry tracks every live session of the process. Entries are added when a
// session starts and removed at the end of its teardown.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers s.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, s.id)
	}
	r.sessions[s.id] = s
	return nil
}

// Remove drops the entry for id. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Get returns the live session with the given id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the ids of all live sessions, sorted.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// CloseAll ends every live session with [ReasonShutdown] and waits until
// their teardown finished or ctx expires.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		go s.End(ReasonShutdown)
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return fmt.Errorf("relay: close sessions: %w", ctx.Err())
		}
	}
	return nil
}
