package recognizer

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnsupportedConfig = errors.New("unsupported speech config")
	ErrUnknownEngine     = errors.New("unknown speech engine")
)

type EventType int

const (
	EventInterim EventType = iota
	EventFinal
)

func (t EventType) String() string {
	if t == EventFinal {
		return "final"
	}
	return "interim"
}

// Event is one recognition result. Duration is the span of audio the result
// covers as reported by the engine.
type Event struct {
	Type       EventType
	Text       string
	Confidence *float64
	Language   string
	Duration   time.Duration
}

type Features struct {
	InterimResults bool
	Punctuate      bool
}

// Config is a fully resolved recognition request for one stream.
type Config struct {
	Engine     string
	Model      string
	Language   string
	Features   Features
	SampleRate int
	Channels   int
}

// Stream accepts raw little-endian PCM frames and reports results on Events.
// Events is closed after the engine drains following EndInput or Close; Err
// then reports the terminal error, if any.
type Stream interface {
	PushFrame(pcm []byte) error
	EndInput() error
	Events() <-chan Event
	Err() error
	Close() error
}

type Recognizer interface {
	StartStream(ctx context.Context, cfg Config) (Stream, error)
}

// Engines maps an engine name to its recognizer.
type Engines map[string]Recognizer

func (e Engines) StartStream(ctx context.Context, cfg Config) (Stream, error) {
	r, ok := e[cfg.Engine]
	if !ok || r == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, cfg.Engine)
	}
	return r.StartStream(ctx, cfg)
}
