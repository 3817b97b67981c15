package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/asclepius/streamrelay/pkg/provider/scribe"
	"github.com/asclepius/streamrelay/pkg/sessionlog"
)

var _ sessionlog.Store = (*Store)(nil)

// Store is a sessionlog.Store backed by a [pgxpool.Pool]. All methods are
// safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("sessionlog store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("sessionlog store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sessionlog store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sessionlog store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks database connectivity. It backs the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SessionStarted inserts the session row. Re-starting an id resets it.
func (s *Store) SessionStarted(ctx context.Context, sess sessionlog.Session) error {
	const q = `
		INSERT INTO relay_sessions (id, remote_addr, started_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		    SET remote_addr = EXCLUDED.remote_addr,
		        started_at  = EXCLUDED.started_at,
		        ended_at    = NULL,
		        reason      = ''`

	startedAt := sess.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	if _, err := s.pool.Exec(ctx, q, sess.ID, sess.RemoteAddr, startedAt); err != nil {
		return fmt.Errorf("sessionlog store: session started: %w", err)
	}
	return nil
}

// SegmentFinalized appends one final transcript segment.
func (s *Store) SegmentFinalized(ctx context.Context, sessionID string, seg scribe.Segment) error {
	const q = `
		INSERT INTO relay_segments
		    (session_id, segment_id, channel_id, content, begin_audio_time, end_audio_time)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.pool.Exec(ctx, q,
		sessionID,
		seg.SegmentID,
		seg.ChannelID,
		seg.Content,
		seg.BeginAudioTime,
		seg.EndAudioTime,
	)
	if err != nil {
		return fmt.Errorf("sessionlog store: segment finalized: %w", err)
	}
	return nil
}

// SessionEnded records the end of a session.
func (s *Store) SessionEnded(ctx context.Context, sessionID string, end sessionlog.End) error {
	const q = `
		UPDATE relay_sessions
		SET    ended_at = $2, reason = $3, audio_bytes = $4,
		       recording_bucket = $5, recording_key = $6
		WHERE  id = $1`

	at := end.At
	if at.IsZero() {
		at = time.Now()
	}
	tag, err := s.pool.Exec(ctx, q,
		sessionID,
		at,
		end.Reason,
		end.AudioBytes,
		end.Recording.Bucket,
		end.Recording.Key,
	)
	if err != nil {
		return fmt.Errorf("sessionlog store: session ended: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", sessionlog.ErrNotFound, sessionID)
	}
	return nil
}

// Get loads a session and its final segments.
func (s *Store) Get(ctx context.Context, sessionID string) (sessionlog.Session, error) {
	const qSession = `
		SELECT id, remote_addr, started_at, ended_at, reason, audio_bytes,
		       recording_bucket, recording_key
		FROM   relay_sessions
		WHERE  id = $1`

	var (
		sess    sessionlog.Session
		endedAt *time.Time
	)
	err := s.pool.QueryRow(ctx, qSession, sessionID).Scan(
		&sess.ID,
		&sess.RemoteAddr,
		&sess.StartedAt,
		&endedAt,
		&sess.Reason,
		&sess.AudioBytes,
		&sess.Recording.Bucket,
		&sess.Recording.Key,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return sessionlog.Session{}, fmt.Errorf("%w: %s", sessionlog.ErrNotFound, sessionID)
	}
	if err != nil {
		return sessionlog.Session{}, fmt.Errorf("sessionlog store: get session: %w", err)
	}
	if endedAt != nil {
		sess.EndedAt = *endedAt
	}

	const qSegments = `
		SELECT segment_id, channel_id, content, begin_audio_time, end_audio_time
		FROM   relay_segments
		WHERE  session_id = $1
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, qSegments, sessionID)
	if err != nil {
		return sessionlog.Session{}, fmt.Errorf("sessionlog store: get segments: %w", err)
	}
	segs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (scribe.Segment, error) {
		var seg scribe.Segment
		err := row.Scan(&seg.SegmentID, &seg.ChannelID, &seg.Content, &seg.BeginAudioTime, &seg.EndAudioTime)
		return seg, err
	})
	if err != nil {
		return sessionlog.Session{}, fmt.Errorf("sessionlog store: scan segments: %w", err)
	}
	sess.Segments = segs
	return sess, nil
}
