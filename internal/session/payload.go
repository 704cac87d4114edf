package session

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/foxseedlab/livecaption/internal/repository"
	"github.com/foxseedlab/livecaption/internal/webhook"
)

const manifestSuffix = ".m3u8"

func buildSessionCompletedPayload(s *repository.Session, endedAt time.Time, transcripts []repository.Transcript, manifests map[string]string) webhook.SessionCompletedPayload {
	entries := make([]webhook.SessionTranscriptEntry, 0, len(transcripts))
	for _, t := range sortedTranscripts(transcripts) {
		entry := webhook.SessionTranscriptEntry{
			ParticipantIdentity: t.ParticipantIdentity,
			Text:                t.Text,
			Language:            t.Language,
			StartTime:           t.StartTime,
			EndTime:             t.EndTime,
		}
		if len(t.Translations) > 0 {
			entry.Translations = t.Translations
		}
		entries = append(entries, entry)
	}
	if manifests == nil {
		manifests = map[string]string{}
	}
	return webhook.SessionCompletedPayload{
		SchemaVersion:   webhook.SchemaVersion,
		SessionID:       s.ID,
		RoomID:          s.RoomID,
		GuildID:         s.GuildID,
		ChannelID:       s.ChannelID,
		StartedAt:       s.StartedAt,
		EndedAt:         endedAt,
		TranscriptCount: len(entries),
		ManifestURLs:    manifests,
		Transcripts:     entries,
	}
}

// manifestURLs keeps only the playlist entries of a published URL map.
func manifestURLs(published map[string]string) map[string]string {
	out := make(map[string]string)
	for name, url := range published {
		if strings.HasSuffix(name, manifestSuffix) {
			out[name] = url
		}
	}
	return out
}

func sortedTranscripts(transcripts []repository.Transcript) []repository.Transcript {
	sorted := slices.Clone(transcripts)
	slices.SortStableFunc(sorted, func(a, b repository.Transcript) int {
		return cmp.Compare(a.StartTime, b.StartTime)
	})
	return sorted
}
