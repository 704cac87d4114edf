package speaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/foxseedlab/livecaption/internal/audio"
	"github.com/foxseedlab/livecaption/internal/recognizer"
	"github.com/foxseedlab/livecaption/internal/transcript"
)

type fakeStream struct {
	rec *fakeRecognizer
	cfg recognizer.Config

	mu        sync.Mutex
	events    chan recognizer.Event
	ended     bool
	closed    bool
	endInputs int
	frames    int
	err       error
}

func (s *fakeStream) PushFrame(_ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	return nil
}

func (s *fakeStream) EndInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endInputs++
	s.finishLocked()
	return nil
}

func (s *fakeStream) Events() <-chan recognizer.Event { return s.events }

func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.finishLocked()
	s.rec.released()
	return nil
}

func (s *fakeStream) finishLocked() {
	if s.ended {
		return
	}
	s.ended = true
	close(s.events)
}

// emit delivers ev unless the stream has already ended.
func (s *fakeStream) emit(ev recognizer.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.events <- ev
}

func (s *fakeStream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	s.finishLocked()
}

type fakeRecognizer struct {
	mu        sync.Mutex
	startErr  error
	streams   []*fakeStream
	open      int
	maxOpen   int
	closeSeen int
}

func (r *fakeRecognizer) StartStream(_ context.Context, cfg recognizer.Config) (recognizer.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return nil, r.startErr
	}
	s := &fakeStream{rec: r, cfg: cfg, events: make(chan recognizer.Event, 16)}
	r.streams = append(r.streams, s)
	r.open++
	r.maxOpen = max(r.maxOpen, r.open)
	return s, nil
}

func (r *fakeRecognizer) released() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open--
	r.closeSeen++
}

func (r *fakeRecognizer) setStartErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startErr = err
}

func (r *fakeRecognizer) snapshot() (starts, open, maxOpen, closes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams), r.open, r.maxOpen, r.closeSeen
}

func (r *fakeRecognizer) stream(i int) *fakeStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streams[i]
}

type recordingHandler struct {
	mu     sync.Mutex
	events []recognizer.Event
	ids    []string
}

func (h *recordingHandler) HandleFinal(_ context.Context, identity string, ev recognizer.Event) (transcript.Utterance, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	h.ids = append(h.ids, identity)
	return transcript.Utterance{Text: ev.Text, ParticipantIdentity: identity}, true
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func newTrack() *audio.QueueSource {
	return audio.NewQueueSource(func(p []byte) ([]byte, error) { return p, nil }, 8)
}

var errBoom = errors.New("boom")

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(message)
}

// gatedHandler blocks the first final until release is closed and records the
// context state every final was handled with.
type gatedHandler struct {
	entered chan struct{}
	release chan struct{}

	mu      sync.Mutex
	texts   []string
	ctxErrs []error
}

func newGatedHandler() *gatedHandler {
	return &gatedHandler{entered: make(chan struct{}), release: make(chan struct{})}
}

func (h *gatedHandler) HandleFinal(ctx context.Context, identity string, ev recognizer.Event) (transcript.Utterance, bool) {
	h.mu.Lock()
	first := len(h.texts) == 0
	h.texts = append(h.texts, ev.Text)
	h.mu.Unlock()
	if first {
		close(h.entered)
		<-h.release
	}
	h.mu.Lock()
	h.ctxErrs = append(h.ctxErrs, ctx.Err())
	h.mu.Unlock()
	return transcript.Utterance{Text: ev.Text, ParticipantIdentity: identity}, true
}

func (h *gatedHandler) snapshot() ([]string, []error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.texts...), append([]error(nil), h.ctxErrs...)
}
