package transcript

import (
	"context"
	"strings"
	"time"

	"github.com/foxseedlab/livecaption/internal/caption"
	"github.com/foxseedlab/livecaption/internal/recognizer"
)

const unknownParticipant = "unknown"

// Pipeline turns final recognition events of one session into utterances and
// runs them through the handler chain.
type Pipeline struct {
	SessionID string
	RoomID    string
	Handler   Handler
	Now       func() time.Time
}

func NewPipeline(sessionID, roomID string, handler Handler) *Pipeline {
	return &Pipeline{SessionID: sessionID, RoomID: roomID, Handler: handler, Now: time.Now}
}

// NewChain builds the Translate, Persist, Publish chain.
func NewChain(translate *TranslateHandler, persist *PersistHandler, publish *PublishHandler) Composite {
	return Composite{translate, persist, publish}
}

// HandleFinal stamps the event with end = now and start = end - duration, then
// runs the chain. Empty text is ignored and reported with ok = false.
func (p *Pipeline) HandleFinal(ctx context.Context, identity string, ev recognizer.Event) (Utterance, bool) {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return Utterance{}, false
	}
	if identity == "" {
		identity = unknownParticipant
	}
	end := caption.UnixSeconds(p.Now())
	duration := ev.Duration.Seconds()
	u := Utterance{
		SessionID:           p.SessionID,
		RoomID:              p.RoomID,
		ParticipantIdentity: identity,
		Text:                text,
		Language:            ev.Language,
		Confidence:          ev.Confidence,
		StartTime:           end - duration,
		EndTime:             end,
		Duration:            duration,
		SpeakerID:           identity,
	}
	return p.Handler.Handle(ctx, u), true
}
