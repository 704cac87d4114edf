package webhook

import (
	"context"
	"time"
)

const SchemaVersion = "1"

type SessionCompletedPayload struct {
	SchemaVersion   string                   `json:"schema_version"`
	SessionID       string                   `json:"session_id"`
	RoomID          string                   `json:"room_id"`
	GuildID         string                   `json:"guild_id"`
	ChannelID       string                   `json:"channel_id"`
	StartedAt       *time.Time               `json:"started_at"`
	EndedAt         time.Time                `json:"ended_at"`
	TranscriptCount int                      `json:"transcript_count"`
	ManifestURLs    map[string]string        `json:"manifest_urls"`
	Transcripts     []SessionTranscriptEntry `json:"transcripts"`
}

type SessionTranscriptEntry struct {
	ParticipantIdentity string            `json:"participant_identity"`
	Text                string            `json:"text"`
	Language            string            `json:"language"`
	StartTime           float64           `json:"start_time"`
	EndTime             float64           `json:"end_time"`
	Translations        map[string]string `json:"translations,omitempty"`
}

// Sender notifies an external endpoint that a caption session finished. An
// unconfigured sender is a no-op.
type Sender interface {
	SendSessionCompleted(ctx context.Context, payload SessionCompletedPayload) error
}
