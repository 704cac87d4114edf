package transcript

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/foxseedlab/livecaption/internal/repository"
	"github.com/foxseedlab/livecaption/internal/room"
	"github.com/foxseedlab/livecaption/internal/translator"
)

// Topic is the room data topic live captions are broadcast on.
const Topic = "live-transcript"

// Handler is one step of the per-utterance chain. Handlers recover from their
// own failures and always return a record for the next step.
type Handler interface {
	Handle(ctx context.Context, u Utterance) Utterance
}

type HandlerFunc func(ctx context.Context, u Utterance) Utterance

func (f HandlerFunc) Handle(ctx context.Context, u Utterance) Utterance {
	return f(ctx, u)
}

// Composite applies its handlers in order.
type Composite []Handler

func (c Composite) Handle(ctx context.Context, u Utterance) Utterance {
	for _, h := range c {
		u = h.Handle(ctx, u)
	}
	return u
}

type TranslateHandler struct {
	translator translator.Translator
	languages  []string
}

func NewTranslateHandler(t translator.Translator, languages []string) *TranslateHandler {
	return &TranslateHandler{translator: t, languages: languages}
}

func (h *TranslateHandler) Handle(ctx context.Context, u Utterance) Utterance {
	if len(h.languages) == 0 || h.translator == nil {
		return u
	}
	translated, err := h.translator.Translate(ctx, u.Text, h.languages)
	if err != nil {
		slog.Warn("translation failed; keeping original text only", "error", err, "session_id", u.SessionID, "participant", u.ParticipantIdentity)
		return u
	}
	if len(translated) == 0 {
		return u
	}
	return u.withTranslations(translated)
}

type PersistHandler struct {
	repo repository.TranscriptRepository
}

func NewPersistHandler(repo repository.TranscriptRepository) *PersistHandler {
	return &PersistHandler{repo: repo}
}

func (h *PersistHandler) Handle(ctx context.Context, u Utterance) Utterance {
	if err := h.repo.InsertTranscript(ctx, u.insertInput()); err != nil {
		slog.Error("failed to persist transcript", "error", err, "session_id", u.SessionID, "participant", u.ParticipantIdentity)
	}
	return u
}

type livePayload struct {
	Text                string            `json:"text"`
	Language            string            `json:"language"`
	Translations        map[string]string `json:"translations"`
	SpeakerID           string            `json:"speaker_id"`
	ParticipantIdentity string            `json:"participant_identity"`
}

// PublishHandler broadcasts a compact projection of each utterance once a room
// binding has been set. The binding is tracked with an explicit flag because a
// valid broadcaster may be an empty collection.
type PublishHandler struct {
	mu          sync.RWMutex
	broadcaster room.Broadcaster
	configured  bool
}

func NewPublishHandler() *PublishHandler {
	return &PublishHandler{}
}

func (h *PublishHandler) SetBroadcaster(b room.Broadcaster) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcaster = b
	h.configured = true
}

func (h *PublishHandler) ClearBroadcaster() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcaster = nil
	h.configured = false
}

func (h *PublishHandler) Handle(ctx context.Context, u Utterance) Utterance {
	h.mu.RLock()
	b, configured := h.broadcaster, h.configured
	h.mu.RUnlock()
	if !configured {
		return u
	}
	payload := livePayload{
		Text:                u.Text,
		Language:            u.Language,
		SpeakerID:           u.SpeakerID,
		ParticipantIdentity: u.ParticipantIdentity,
	}
	if len(u.Translations) > 0 {
		payload.Translations = u.Translations
	}
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to encode live transcript", "error", err, "session_id", u.SessionID)
		return u
	}
	if err := b.PublishData(ctx, Topic, body); err != nil {
		slog.Warn("failed to broadcast live transcript", "error", err, "session_id", u.SessionID, "participant", u.ParticipantIdentity)
	}
	return u
}
