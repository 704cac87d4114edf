package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/foxseedlab/livecaption/internal/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const sessionColumns = `id, room_id, guild_id, channel_id, started_at, ended_at, status, version,
	last_uploaded_segment, published_urls, created_at, updated_at`

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) repository.Repository {
	return &PostgresRepository{pool: pool}
}

func scanSession(row pgx.Row) (*repository.Session, error) {
	var s repository.Session
	var urls map[string]string
	err := row.Scan(&s.ID, &s.RoomID, &s.GuildID, &s.ChannelID, &s.StartedAt, &s.EndedAt, &s.Status, &s.Version,
		&s.Delivery.LastUploadedSegment, &urls, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Delivery.PublishedURLs = nonNilMap(urls)
	return &s, nil
}

func (r *PostgresRepository) CreateSession(ctx context.Context, input repository.CreateSessionInput) (*repository.Session, error) {
	var startedAt any
	if !input.StartedAt.IsZero() {
		startedAt = input.StartedAt
	}
	row := r.pool.QueryRow(ctx,
		`INSERT INTO sessions (room_id, guild_id, channel_id, started_at, status)
		 VALUES ($1, $2, $3, $4, 'running')
		 RETURNING `+sessionColumns,
		input.RoomID, input.GuildID, input.ChannelID, startedAt)
	return scanSession(row)
}

func (r *PostgresRepository) GetSession(ctx context.Context, sessionID string) (*repository.Session, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, repository.ErrSessionNotFound
	}
	s, err := scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrSessionNotFound
	}
	return s, err
}

func (r *PostgresRepository) UpdateSessionCompleted(ctx context.Context, input repository.CompleteSessionInput) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE sessions SET status = 'completed', ended_at = $2, version = version + 1, updated_at = NOW() WHERE id = $1`,
		input.SessionID, input.EndedAt)
	return err
}

func (r *PostgresRepository) GetRunningSessionByChannel(ctx context.Context, guildID, channelID string) (*repository.Session, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+`
		 FROM sessions WHERE guild_id = $1 AND channel_id = $2 AND status = 'running'
		 LIMIT 1`,
		guildID, channelID)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// UpdateDeliveryCursor applies the cursor only when the stored version matches.
// The stored segment never moves backwards.
func (r *PostgresRepository) UpdateDeliveryCursor(ctx context.Context, input repository.UpdateDeliveryCursorInput) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions
		 SET last_uploaded_segment = GREATEST(last_uploaded_segment, $3),
		     published_urls = $4,
		     version = version + 1,
		     updated_at = NOW()
		 WHERE id = $1 AND version = $2`,
		input.SessionID, input.ExpectedVersion, input.LastUploadedSegment, nonNilMap(input.PublishedURLs))
	if err != nil {
		return fmt.Errorf("update delivery cursor: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM sessions WHERE id = $1)`, input.SessionID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return repository.ErrSessionNotFound
	}
	return repository.ErrVersionConflict
}

func (r *PostgresRepository) InsertTranscript(ctx context.Context, input repository.InsertTranscriptInput) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO transcripts (session_id, room_id, participant_identity, text, language, confidence,
		   start_time, end_time, duration, speaker_id, translations)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		input.SessionID, input.RoomID, input.ParticipantIdentity, input.Text, input.Language, input.Confidence,
		input.StartTime, input.EndTime, input.Duration, input.SpeakerID, nonNilMap(input.Translations))
	return err
}

func (r *PostgresRepository) ListTranscriptsBySessionID(ctx context.Context, sessionID string) ([]repository.Transcript, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, session_id, room_id, participant_identity, text, language, confidence,
		   start_time, end_time, duration, speaker_id, translations, created_at
		 FROM transcripts WHERE session_id = $1 ORDER BY start_time ASC, created_at ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []repository.Transcript
	for rows.Next() {
		var t repository.Transcript
		var translations map[string]string
		if err := rows.Scan(&t.ID, &t.SessionID, &t.RoomID, &t.ParticipantIdentity, &t.Text, &t.Language, &t.Confidence,
			&t.StartTime, &t.EndTime, &t.Duration, &t.SpeakerID, &translations, &t.CreatedAt); err != nil {
			return nil, err
		}
		if len(translations) > 0 {
			t.Translations = translations
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
