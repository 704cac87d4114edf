// Package speaker runs one transcription worker per active speaker and keeps
// the set of workers in line with room membership and language preferences.
package speaker

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/foxseedlab/livecaption/internal/audio"
	"github.com/foxseedlab/livecaption/internal/recognizer"
	"github.com/foxseedlab/livecaption/internal/room"
)

type OrchestratorConfig struct {
	SessionID      string
	Recognizer     recognizer.Recognizer
	Handler        FinalHandler
	Defaults       recognizer.Defaults
	SpeakerConfigs map[string]recognizer.SpeechConfig
	// OnWorkerEnded is called after a worker exits on its own, with the track
	// it was reading.
	OnWorkerEnded func(identity string, track audio.Source)
}

// Orchestrator owns the workers of one caption session. Operations for one
// identity run strictly in arrival order on that identity's queue; different
// identities progress independently.
type Orchestrator struct {
	cfg    OrchestratorConfig
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	slots  map[string]*slot
	closed bool
	wg     sync.WaitGroup
}

type slot struct {
	queue    []func(*slot)
	draining bool

	worker     *workerHandle
	track      audio.Source
	preference string
}

type workerHandle struct {
	worker *Worker
	track  audio.Source
	cancel context.CancelFunc
	done   chan struct{}
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		slots:  make(map[string]*slot),
	}
}

// HandleEvent routes one transport event. It never blocks on a worker.
func (o *Orchestrator) HandleEvent(ev room.Event) {
	if ev.Identity == "" {
		return
	}
	switch ev.Kind {
	case room.ParticipantJoined:
		lang, ok := ev.Attributes[room.LanguageAttribute]
		if !ok {
			return
		}
		o.enqueue(ev.Identity, false, func(s *slot) {
			o.setPreference(s, lang)
		})
	case room.TrackSubscribed:
		if !ev.IsMicrophone() || ev.Track == nil {
			slog.Debug("ignoring non-microphone track", "session_id", o.cfg.SessionID, "participant", ev.Identity)
			return
		}
		o.enqueue(ev.Identity, false, func(s *slot) {
			o.trackAvailable(ev.Identity, s, ev.Track)
		})
	case room.TrackUnsubscribed, room.TrackUnpublished:
		if !ev.IsMicrophone() {
			return
		}
		o.enqueue(ev.Identity, false, func(s *slot) {
			o.stopWorker(ev.Identity, s, ev.Kind.String())
			o.setTrack(s, nil)
		})
	case room.ParticipantLeft:
		o.enqueue(ev.Identity, false, func(s *slot) {
			o.stopWorker(ev.Identity, s, ev.Kind.String())
			o.setTrack(s, nil)
			o.setPreference(s, "")
		})
	case room.AttributesChanged:
		lang, ok := ev.Attributes[room.LanguageAttribute]
		if !ok {
			return
		}
		o.enqueue(ev.Identity, false, func(s *slot) {
			o.languageChanged(ev.Identity, s, lang)
		})
	}
}

// Close cancels every worker and waits until all of them have released their
// recognition streams.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	identities := make([]string, 0, len(o.slots))
	for identity := range o.slots {
		identities = append(identities, identity)
	}
	o.mu.Unlock()

	o.cancel()
	for _, identity := range identities {
		o.enqueue(identity, true, func(s *slot) {
			o.stopWorker(identity, s, "orchestrator closed")
		})
	}
	o.wg.Wait()
	slog.Info("all transcription workers stopped", "session_id", o.cfg.SessionID, "speakers", len(identities))
}

// ActiveWorkers returns the identities that currently have a running worker.
func (o *Orchestrator) ActiveWorkers() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	active := make([]string, 0, len(o.slots))
	for identity, s := range o.slots {
		if s.worker != nil {
			active = append(active, identity)
		}
	}
	return active
}

// ActiveConfig reports the recognition config of the identity's running worker.
func (o *Orchestrator) ActiveConfig(identity string) (recognizer.Config, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.slots[identity]
	if !ok || s.worker == nil {
		return recognizer.Config{}, false
	}
	return s.worker.worker.Config(), true
}

// enqueue appends op to the identity's queue and starts a drainer if none is
// running. internal ops are accepted after Close.
func (o *Orchestrator) enqueue(identity string, internal bool, op func(*slot)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed && !internal {
		return
	}
	s, ok := o.slots[identity]
	if !ok {
		s = &slot{}
		o.slots[identity] = s
	}
	s.queue = append(s.queue, op)
	if s.draining {
		return
	}
	s.draining = true
	o.wg.Add(1)
	go o.drain(identity, s)
}

func (o *Orchestrator) drain(identity string, s *slot) {
	defer o.wg.Done()
	for {
		o.mu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			if s.worker == nil && s.track == nil && s.preference == "" && o.slots[identity] == s {
				delete(o.slots, identity)
			}
			o.mu.Unlock()
			return
		}
		op := s.queue[0]
		s.queue = s.queue[1:]
		o.mu.Unlock()
		op(s)
	}
}

func (o *Orchestrator) trackAvailable(identity string, s *slot, track audio.Source) {
	o.mu.Lock()
	stale := s.worker != nil
	o.mu.Unlock()
	if stale {
		slog.Warn("new track while a worker is active; stopping the previous worker", "session_id", o.cfg.SessionID, "participant", identity)
		o.stopWorker(identity, s, "replaced by new track")
	}
	o.setTrack(s, track)
	o.startWorker(identity, s)
}

func (o *Orchestrator) languageChanged(identity string, s *slot, lang string) {
	o.setPreference(s, lang)
	o.mu.Lock()
	h := s.worker
	o.mu.Unlock()
	if h == nil {
		slog.Info("stored language preference for next start", "session_id", o.cfg.SessionID, "participant", identity, "language", lang)
		return
	}
	next, err := o.resolve(identity, lang)
	if err != nil {
		slog.Error("failed to resolve speech config for language change", "error", err, "session_id", o.cfg.SessionID, "participant", identity)
		return
	}
	if next == h.worker.Config() {
		return
	}
	slog.Info("restarting worker for language change", "session_id", o.cfg.SessionID, "participant", identity, "from", h.worker.Config().Language, "to", next.Language)
	o.stopWorker(identity, s, "language changed")
	o.startWorker(identity, s)
}

// startWorker opens a stream for the slot's track. Failure leaves no handle.
func (o *Orchestrator) startWorker(identity string, s *slot) {
	o.mu.Lock()
	track, pref := s.track, s.preference
	o.mu.Unlock()
	if track == nil || o.ctx.Err() != nil {
		return
	}
	cfg, err := o.resolve(identity, pref)
	if err != nil {
		slog.Error("failed to resolve speech config", "error", err, "session_id", o.cfg.SessionID, "participant", identity)
		return
	}
	ctx, cancel := context.WithCancel(o.ctx)
	w, err := StartWorker(ctx, o.cfg.SessionID, identity, track, cfg, o.cfg.Recognizer, o.cfg.Handler)
	if err != nil {
		cancel()
		slog.Error("failed to start transcription worker", "error", err, "session_id", o.cfg.SessionID, "participant", identity, "engine", cfg.Engine)
		return
	}
	h := &workerHandle{worker: w, track: track, cancel: cancel, done: make(chan struct{})}
	o.mu.Lock()
	s.worker = h
	o.wg.Add(1)
	o.mu.Unlock()
	slog.Info("transcription worker started", "session_id", o.cfg.SessionID, "participant", identity, "engine", cfg.Engine, "model", cfg.Model, "language", cfg.Language)

	go func() {
		defer o.wg.Done()
		err := w.Run(ctx)
		cancel()
		close(h.done)
		if err != nil {
			slog.Error("transcription worker ended with error", "error", err, "session_id", o.cfg.SessionID, "participant", identity)
		}
		o.enqueue(identity, true, func(s *slot) {
			o.reap(identity, s, h)
		})
	}()
}

// stopWorker cancels the slot's worker and waits for it to release its stream.
func (o *Orchestrator) stopWorker(identity string, s *slot, reason string) {
	o.mu.Lock()
	h := s.worker
	o.mu.Unlock()
	if h == nil {
		return
	}
	h.cancel()
	<-h.done
	o.mu.Lock()
	if s.worker == h {
		s.worker = nil
	}
	o.mu.Unlock()
	slog.Info("transcription worker stopped", "session_id", o.cfg.SessionID, "participant", identity, "reason", reason)
}

// reap frees the slot after a worker exited on its own. A handle that has
// already been replaced is left alone.
func (o *Orchestrator) reap(identity string, s *slot, h *workerHandle) {
	o.mu.Lock()
	if s.worker != h {
		o.mu.Unlock()
		return
	}
	s.worker = nil
	if s.track == h.track {
		s.track = nil
	}
	o.mu.Unlock()
	if o.cfg.OnWorkerEnded != nil {
		o.cfg.OnWorkerEnded(identity, h.track)
	}
}

func (o *Orchestrator) setTrack(s *slot, track audio.Source) {
	o.mu.Lock()
	s.track = track
	o.mu.Unlock()
}

func (o *Orchestrator) setPreference(s *slot, lang string) {
	o.mu.Lock()
	s.preference = strings.TrimSpace(lang)
	o.mu.Unlock()
}

func (o *Orchestrator) resolve(identity, preference string) (recognizer.Config, error) {
	cfg, err := recognizer.Resolve(o.cfg.SpeakerConfigs[identity], o.cfg.Defaults)
	if err != nil {
		return recognizer.Config{}, err
	}
	return cfg.WithLanguage(preference), nil
}
