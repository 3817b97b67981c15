// Package postgres provides a PostgreSQL-backed sessionlog.Store.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.SessionStarted(ctx, sessionlog.Session{ID: id, StartedAt: time.Now()})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS relay_sessions (
    id                TEXT         PRIMARY KEY,
    remote_addr       TEXT         NOT NULL DEFAULT '',
    started_at        TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at          TIMESTAMPTZ,
    reason            TEXT         NOT NULL DEFAULT '',
    audio_bytes       BIGINT       NOT NULL DEFAULT 0,
    recording_bucket  TEXT         NOT NULL DEFAULT '',
    recording_key     TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_relay_sessions_started_at
    ON relay_sessions (started_at);
`

const ddlSegments = `
CREATE TABLE IF NOT EXISTS relay_segments (
    id                BIGSERIAL         PRIMARY KEY,
    session_id        TEXT              NOT NULL REFERENCES relay_sessions (id) ON DELETE CASCADE,
    segment_id        TEXT              NOT NULL DEFAULT '',
    channel_id        TEXT              NOT NULL DEFAULT '',
    content           TEXT              NOT NULL,
    begin_audio_time  DOUBLE PRECISION  NOT NULL DEFAULT 0,
    end_audio_time    DOUBLE PRECISION  NOT NULL DEFAULT 0,
    recorded_at       TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_relay_segments_session_id
    ON relay_segments (session_id, id);
`

// Migrate creates the session log tables. It is idempotent and safe to call
// on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlSessions, ddlSegments} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
