package transcript

import (
	"maps"

	"github.com/foxseedlab/livecaption/internal/repository"
)

// Utterance is one finalized recognition result. Times are absolute Unix seconds.
type Utterance struct {
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

func (u Utterance) withTranslations(translated map[string]string) Utterance {
	merged := make(map[string]string, len(u.Translations)+len(translated))
	maps.Copy(merged, u.Translations)
	maps.Copy(merged, translated)
	u.Translations = merged
	return u
}

func (u Utterance) insertInput() repository.InsertTranscriptInput {
	return repository.InsertTranscriptInput{
		SessionID:           u.SessionID,
		RoomID:              u.RoomID,
		ParticipantIdentity: u.ParticipantIdentity,
		Text:                u.Text,
		Language:            u.Language,
		Confidence:          u.Confidence,
		StartTime:           u.StartTime,
		EndTime:             u.EndTime,
		Duration:            u.Duration,
		SpeakerID:           u.SpeakerID,
		Translations:        u.Translations,
	}
}
