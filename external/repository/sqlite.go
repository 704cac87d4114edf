package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/foxseedlab/livecaption/internal/repository"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const defaultSQLitePath = "data/livecaption.db"

// naiveTimestampLayouts are accepted for rows written without a zone; they
// are read as UTC.
var naiveTimestampLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = defaultSQLitePath
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	r := &SQLiteRepository{db: db}
	if err := r.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *SQLiteRepository) init() error {
	statements := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			guild_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			started_at TEXT,
			ended_at TEXT,
			status TEXT NOT NULL DEFAULT 'running',
			version INTEGER NOT NULL DEFAULT 1,
			last_uploaded_segment INTEGER NOT NULL DEFAULT -1,
			published_urls TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_running ON sessions (guild_id, channel_id, status)`,
		`CREATE TABLE IF NOT EXISTS transcripts (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			room_id TEXT NOT NULL,
			participant_identity TEXT NOT NULL,
			text TEXT NOT NULL,
			language TEXT NOT NULL DEFAULT '',
			confidence REAL,
			start_time REAL NOT NULL,
			end_time REAL NOT NULL,
			duration REAL NOT NULL,
			speaker_id TEXT NOT NULL DEFAULT '',
			translations TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transcripts_session ON transcripts (session_id, start_time)`,
	}
	for _, stmt := range statements {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return nil
}

func (r *SQLiteRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

const sqliteSessionColumns = `id, room_id, guild_id, channel_id, started_at, ended_at, status, version,
	last_uploaded_segment, published_urls, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSession(row rowScanner) (*repository.Session, error) {
	var (
		s                    repository.Session
		startedAt, endedAt   sql.NullString
		status, urls         string
		createdAt, updatedAt string
	)
	if err := row.Scan(&s.ID, &s.RoomID, &s.GuildID, &s.ChannelID, &startedAt, &endedAt, &status, &s.Version,
		&s.Delivery.LastUploadedSegment, &urls, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	s.Status = repository.SessionStatus(status)
	var err error
	if s.StartedAt, err = parseNullableTimestamp(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if s.EndedAt, err = parseNullableTimestamp(endedAt); err != nil {
		return nil, fmt.Errorf("parse ended_at: %w", err)
	}
	if s.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if s.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if s.Delivery.PublishedURLs, err = decodeStringMap(urls); err != nil {
		return nil, fmt.Errorf("decode published_urls: %w", err)
	}
	return &s, nil
}

func (r *SQLiteRepository) CreateSession(ctx context.Context, input repository.CreateSessionInput) (*repository.Session, error) {
	id := uuid.NewString()
	now := formatTimestamp(time.Now())
	var startedAt any
	if !input.StartedAt.IsZero() {
		startedAt = formatTimestamp(input.StartedAt)
	}
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, room_id, guild_id, channel_id, started_at, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 'running', ?, ?)`,
		id, input.RoomID, input.GuildID, input.ChannelID, startedAt, now, now); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return r.GetSession(ctx, id)
}

func (r *SQLiteRepository) GetSession(ctx context.Context, sessionID string) (*repository.Session, error) {
	s, err := scanSQLiteSession(r.db.QueryRowContext(ctx, `SELECT `+sqliteSessionColumns+` FROM sessions WHERE id = ?`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrSessionNotFound
	}
	return s, err
}

func (r *SQLiteRepository) UpdateSessionCompleted(ctx context.Context, input repository.CompleteSessionInput) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'completed', ended_at = ?, version = version + 1, updated_at = ? WHERE id = ?`,
		formatTimestamp(input.EndedAt), formatTimestamp(time.Now()), input.SessionID)
	return err
}

func (r *SQLiteRepository) GetRunningSessionByChannel(ctx context.Context, guildID, channelID string) (*repository.Session, error) {
	s, err := scanSQLiteSession(r.db.QueryRowContext(ctx,
		`SELECT `+sqliteSessionColumns+` FROM sessions
		 WHERE guild_id = ? AND channel_id = ? AND status = 'running' LIMIT 1`,
		guildID, channelID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (r *SQLiteRepository) UpdateDeliveryCursor(ctx context.Context, input repository.UpdateDeliveryCursorInput) error {
	urls, err := json.Marshal(nonNilMap(input.PublishedURLs))
	if err != nil {
		return fmt.Errorf("encode published_urls: %w", err)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions
		 SET last_uploaded_segment = MAX(last_uploaded_segment, ?),
		     published_urls = ?,
		     version = version + 1,
		     updated_at = ?
		 WHERE id = ? AND version = ?`,
		input.LastUploadedSegment, string(urls), formatTimestamp(time.Now()), input.SessionID, input.ExpectedVersion)
	if err != nil {
		return fmt.Errorf("update delivery cursor: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	var exists int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE id = ?`, input.SessionID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return repository.ErrSessionNotFound
	}
	return repository.ErrVersionConflict
}

func (r *SQLiteRepository) InsertTranscript(ctx context.Context, input repository.InsertTranscriptInput) error {
	translations, err := json.Marshal(nonNilMap(input.Translations))
	if err != nil {
		return fmt.Errorf("encode translations: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO transcripts (id, session_id, room_id, participant_identity, text, language, confidence,
		   start_time, end_time, duration, speaker_id, translations, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), input.SessionID, input.RoomID, input.ParticipantIdentity, input.Text, input.Language, input.Confidence,
		input.StartTime, input.EndTime, input.Duration, input.SpeakerID, string(translations), formatTimestamp(time.Now()))
	return err
}

func (r *SQLiteRepository) ListTranscriptsBySessionID(ctx context.Context, sessionID string) ([]repository.Transcript, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, room_id, participant_identity, text, language, confidence,
		   start_time, end_time, duration, speaker_id, translations, created_at
		 FROM transcripts WHERE session_id = ? ORDER BY start_time ASC, created_at ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()
	var list []repository.Transcript
	for rows.Next() {
		var (
			t            repository.Transcript
			confidence   sql.NullFloat64
			translations string
			createdAt    string
		)
		if err := rows.Scan(&t.ID, &t.SessionID, &t.RoomID, &t.ParticipantIdentity, &t.Text, &t.Language, &confidence,
			&t.StartTime, &t.EndTime, &t.Duration, &t.SpeakerID, &translations, &createdAt); err != nil {
			return nil, err
		}
		if confidence.Valid {
			c := confidence.Float64
			t.Confidence = &c
		}
		decoded, err := decodeStringMap(translations)
		if err != nil {
			return nil, fmt.Errorf("decode translations: %w", err)
		}
		if len(decoded) > 0 {
			t.Translations = decoded
		}
		if t.CreatedAt, err = parseTimestamp(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTimestamp reads RFC 3339 values as written by this store and falls back
// to zone-less layouts, which time.Parse interprets as UTC.
func parseTimestamp(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	for _, layout := range naiveTimestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

func parseNullableTimestamp(value sql.NullString) (*time.Time, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	t, err := parseTimestamp(value.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func decodeStringMap(raw string) (map[string]string, error) {
	m := map[string]string{}
	if strings.TrimSpace(raw) == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}
