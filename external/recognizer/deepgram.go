package recognizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/foxseedlab/livecaption/internal/recognizer"
)

const EngineDeepgram = "deepgram"

var initDeepgramOnce sync.Once

type DeepgramRecognizer struct {
	apiKey string
	model  string
}

func NewDeepgramRecognizer(apiKey, model string) recognizer.Recognizer {
	initDeepgramOnce.Do(func() {
		client.Init(client.InitLib{LogLevel: client.LogLevelDefault})
	})
	return &DeepgramRecognizer{apiKey: apiKey, model: model}
}

func (r *DeepgramRecognizer) StartStream(ctx context.Context, cfg recognizer.Config) (recognizer.Stream, error) {
	model := cfg.Model
	if model == "" {
		model = r.model
	}
	s := &deepgramStream{
		language: cfg.Language,
		events:   make(chan recognizer.Event, eventBuffer),
		done:     make(chan struct{}),
	}
	cOptions := &interfaces.ClientOptions{EnableKeepAlive: true}
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          model,
		Language:       cfg.Language,
		Punctuate:      cfg.Features.Punctuate,
		InterimResults: cfg.Features.InterimResults,
		Encoding:       "linear16",
		SampleRate:     cfg.SampleRate,
		Channels:       cfg.Channels,
	}
	dg, err := client.NewWSUsingCallback(ctx, r.apiKey, cOptions, tOptions, deepgramCallback{stream: s})
	if err != nil {
		return nil, fmt.Errorf("create deepgram client: %w", err)
	}
	if ok := dg.Connect(); !ok {
		return nil, errors.New("deepgram connect failed")
	}
	s.client = dg
	slog.Info("deepgram stream initialized", "model", model, "language", cfg.Language)
	return s, nil
}

type deepgramConn interface {
	Write(p []byte) (int, error)
	Stop()
}

// deepgramStream exposes SDK callbacks as a channel of events. The SDK
// invokes callbacks from its own read loop.
type deepgramStream struct {
	client   deepgramConn
	language string

	mu       sync.Mutex
	stopped  bool
	err      error
	events   chan recognizer.Event
	done     chan struct{}
	sending  sync.WaitGroup
	finished sync.Once
}

func (s *deepgramStream) PushFrame(pcm []byte) error {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return io.ErrClosedPipe
	}
	_, err := s.client.Write(pcm)
	return err
}

func (s *deepgramStream) EndInput() error {
	s.stop()
	s.finish(nil)
	return nil
}

func (s *deepgramStream) Events() <-chan recognizer.Event {
	return s.events
}

func (s *deepgramStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *deepgramStream) Close() error {
	s.stop()
	s.finish(nil)
	return nil
}

func (s *deepgramStream) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	if s.client != nil {
		s.client.Stop()
	}
}

func (s *deepgramStream) finish(err error) {
	s.finished.Do(func() {
		s.mu.Lock()
		s.err = err
		close(s.done)
		s.mu.Unlock()
		go func() {
			s.sending.Wait()
			close(s.events)
		}()
	})
}

func (s *deepgramStream) emit(ev recognizer.Event) {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return
	default:
	}
	s.sending.Add(1)
	s.mu.Unlock()
	defer s.sending.Done()
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

type deepgramCallback struct {
	stream *deepgramStream
}

func (c deepgramCallback) Message(mr *api.MessageResponse) error {
	if mr == nil || len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	ev := recognizer.Event{
		Type:     recognizer.EventInterim,
		Text:     alt.Transcript,
		Language: c.stream.language,
	}
	if mr.IsFinal {
		confidence := alt.Confidence
		ev.Type = recognizer.EventFinal
		ev.Confidence = &confidence
		ev.Duration = time.Duration(mr.Duration * float64(time.Second))
	}
	c.stream.emit(ev)
	return nil
}

func (c deepgramCallback) Open(*api.OpenResponse) error {
	slog.Debug("connected to deepgram")
	return nil
}

func (c deepgramCallback) Metadata(*api.MetadataResponse) error { return nil }

func (c deepgramCallback) SpeechStarted(*api.SpeechStartedResponse) error { return nil }

func (c deepgramCallback) UtteranceEnd(*api.UtteranceEndResponse) error { return nil }

func (c deepgramCallback) Close(*api.CloseResponse) error {
	slog.Info("disconnected from deepgram")
	c.stream.finish(nil)
	return nil
}

func (c deepgramCallback) Error(er *api.ErrorResponse) error {
	slog.Error("deepgram error", "code", er.ErrCode, "description", er.Description)
	c.stream.finish(fmt.Errorf("deepgram %s: %s", er.ErrCode, er.Description))
	return nil
}

func (c deepgramCallback) UnhandledEvent([]byte) error { return nil }
