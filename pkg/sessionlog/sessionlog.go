// Package sessionlog records the lifecycle of relay sessions and their final
// transcript segments. The session id is the correlation key shared with the
// stored recording and the remote service's post-stream output.
//
// Writes are best effort from the relay's point of view: a failing Store is
// logged and never affects a live session.
package sessionlog

import (
	"context"
	"errors"
	"time"

	"github.com/asclepius/streamrelay/pkg/provider/scribe"
	"github.com/asclepius/streamrelay/pkg/storage"
)

// ErrNotFound is returned by Get for an unknown session id.
var ErrNotFound = errors.New("sessionlog: session not found")

// Session is the recorded history of one relay session.
type Session struct {
	ID         string
	RemoteAddr string
	StartedAt  time.Time

	// EndedAt is zero while the session is live.
	EndedAt    time.Time
	Reason     string
	AudioBytes int64
	Recording  storage.Location

	// Segments holds the final transcript segments in arrival order.
	Segments []scribe.Segment
}

// End describes how a session finished.
type End struct {
	At         time.Time
	Reason     string
	AudioBytes int64

	// Recording is zero when persistence failed.
	Recording storage.Location
}

// Store persists session records. Implementations must be safe for
// concurrent use.
type Store interface {
	SessionStarted(ctx context.Context, s Session) error
	SegmentFinalized(ctx context.Context, sessionID string, seg scribe.Segment) error
	SessionEnded(ctx context.Context, sessionID string, end End) error
	Get(ctx context.Context, sessionID string) (Session, error)
}
