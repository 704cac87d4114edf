package repository

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

var migrationStatements = []string{
	`DO $$ BEGIN CREATE TYPE session_status AS ENUM ('running', 'completed'); EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		room_id TEXT NOT NULL,
		guild_id TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		started_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ,
		status session_status NOT NULL DEFAULT 'running',
		version BIGINT NOT NULL DEFAULT 1,
		last_uploaded_segment INTEGER NOT NULL DEFAULT -1,
		published_urls JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_running ON sessions (guild_id, channel_id) WHERE status = 'running'`,
	`CREATE TABLE IF NOT EXISTS transcripts (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		room_id TEXT NOT NULL,
		participant_identity TEXT NOT NULL,
		text TEXT NOT NULL,
		language TEXT NOT NULL DEFAULT '',
		confidence DOUBLE PRECISION,
		start_time DOUBLE PRECISION NOT NULL,
		end_time DOUBLE PRECISION NOT NULL,
		duration DOUBLE PRECISION NOT NULL,
		speaker_id TEXT NOT NULL DEFAULT '',
		translations JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transcripts_session ON transcripts (session_id, start_time)`,
}

func RunMigration(ctx context.Context, pool *pgxpool.Pool) error {
	for _, s := range migrationStatements {
		stmt := strings.TrimSpace(s)
		if stmt == "" {
			continue
		}
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
