package repository

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrVersionConflict = errors.New("session version conflict")
)

type CreateSessionInput struct {
	RoomID    string
	GuildID   string
	ChannelID string
	StartedAt time.Time
}

type CompleteSessionInput struct {
	SessionID string
	EndedAt   time.Time
}

// UpdateDeliveryCursorInput replaces the delivery cursor when the stored
// version still equals ExpectedVersion.
type UpdateDeliveryCursorInput struct {
	SessionID           string
	ExpectedVersion     int64
	LastUploadedSegment int
	PublishedURLs       map[string]string
}

type InsertTranscriptInput struct {
	SessionID           string
	RoomID              string
	ParticipantIdentity string
	Text                string
	Language            string
	Confidence          *float64
	StartTime           float64
	EndTime             float64
	Duration            float64
	SpeakerID           string
	Translations        map[string]string
}

type SessionRepository interface {
	CreateSession(ctx context.Context, input CreateSessionInput) (*Session, error)
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	UpdateSessionCompleted(ctx context.Context, input CompleteSessionInput) error
	GetRunningSessionByChannel(ctx context.Context, guildID, channelID string) (*Session, error)
	UpdateDeliveryCursor(ctx context.Context, input UpdateDeliveryCursorInput) error
}

type TranscriptRepository interface {
	InsertTranscript(ctx context.Context, input InsertTranscriptInput) error
	ListTranscriptsBySessionID(ctx context.Context, sessionID string) ([]Transcript, error)
}

type Repository interface {
	SessionRepository
	TranscriptRepository
}
