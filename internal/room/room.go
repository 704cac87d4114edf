package room

import (
	"context"
	"errors"
	"log/slog"

	"github.com/foxseedlab/livecaption/internal/audio"
)

// LanguageAttribute is the participant attribute holding a speaker's preferred
// recognition language.
const LanguageAttribute = "stt_language"

type EventKind int

const (
	ParticipantJoined EventKind = iota
	ParticipantLeft
	TrackSubscribed
	TrackUnsubscribed
	TrackUnpublished
	AttributesChanged
)

func (k EventKind) String() string {
	switch k {
	case ParticipantJoined:
		return "participant_joined"
	case ParticipantLeft:
		return "participant_left"
	case TrackSubscribed:
		return "track_subscribed"
	case TrackUnsubscribed:
		return "track_unsubscribed"
	case TrackUnpublished:
		return "track_unpublished"
	case AttributesChanged:
		return "attributes_changed"
	default:
		return "unknown"
	}
}

type TrackSource int

const (
	SourceUnknown TrackSource = iota
	SourceMicrophone
	SourceScreenShareAudio
)

// Event is one membership or track change observed on the transport.
type Event struct {
	Kind       EventKind
	Identity   string
	Source     TrackSource
	Track      audio.Source
	Attributes map[string]string
}

func (e Event) IsMicrophone() bool {
	return e.Source == SourceMicrophone
}

// Broadcaster sends an arbitrary payload to every member of a room on a topic.
type Broadcaster interface {
	PublishData(ctx context.Context, topic string, payload []byte) error
}

// Fanout publishes to every broadcaster and joins their errors.
type Fanout []Broadcaster

func (f Fanout) PublishData(ctx context.Context, topic string, payload []byte) error {
	var errs []error
	for _, b := range f {
		if err := b.PublishData(ctx, topic, payload); err != nil {
			slog.Debug("broadcast sink failed", "error", err, "topic", topic)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
