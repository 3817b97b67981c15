package sessionlog

import (
	"context"
	"fmt"
	"sync"

	"github.com/asclepius/streamrelay/pkg/provider/scribe"
)

// MemStore is an in-process Store used when no database is configured.
// Records live until the process exits.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{sessions: make(map[string]*Session)}
}

// SessionStarted records s. Starting an id twice replaces the first record.
func (m *MemStore) SessionStarted(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Segments = append([]scribe.Segment(nil), s.Segments...)
	m.sessions[s.ID] = &s
	return nil
}

// SegmentFinalized appends seg to the session's transcript.
func (m *MemStore) SegmentFinalized(_ context.Context, sessionID string, seg scribe.Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	s.Segments = append(s.Segments, seg)
	return nil
}

// SessionEnded stores the end record.
func (m *MemStore) SessionEnded(_ context.Context, sessionID string, end End) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	s.EndedAt = end.At
	s.Reason = end.Reason
	s.AudioBytes = end.AudioBytes
	s.Recording = end.Recording
	return nil
}

// Get returns a copy of the session record.
func (m *MemStore) Get(_ context.Context, sessionID string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	out := *s
	out.Segments = append([]scribe.Segment(nil), s.Segments...)
	return out, nil
}

var _ Store = (*MemStore)(nil)
