package repository

import "time"

type SessionStatus string

const (
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
)

// NoUploadedSegment is the delivery cursor of a session that has not published anything yet.
const NoUploadedSegment = -1

type Session struct {
	ID        string
	RoomID    string
	GuildID   string
	ChannelID string
	StartedAt *time.Time
	EndedAt   *time.Time
	Status    SessionStatus
	Version   int64
	Delivery  DeliveryCursor
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasStarted reports whether the session has a start anchor for segment math.
func (s *Session) HasStarted() bool {
	return s != nil && s.StartedAt != nil && !s.StartedAt.IsZero()
}

type DeliveryCursor struct {
	LastUploadedSegment int
	PublishedURLs       map[string]string
}

type Transcript struct {
	ID                  string
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
	CreatedAt           time.Time
}
