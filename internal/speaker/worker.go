package speaker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/foxseedlab/livecaption/internal/audio"
	"github.com/foxseedlab/livecaption/internal/recognizer"
	"github.com/foxseedlab/livecaption/internal/transcript"
	"golang.org/x/sync/errgroup"
)

// FinalHandler receives every non-empty final result of a worker.
type FinalHandler interface {
	HandleFinal(ctx context.Context, identity string, ev recognizer.Event) (transcript.Utterance, bool)
}

// drainTimeout bounds how long a stopping worker waits for the stream to
// flush results for audio it already sent.
const drainTimeout = 5 * time.Second

// Worker drives one recognition stream for one speaker.
type Worker struct {
	identity string
	source   audio.Source
	cfg      recognizer.Config
	stream   recognizer.Stream
	handler  FinalHandler
	logger   *slog.Logger

	finals  int
	interim int
}

// StartWorker opens the recognition stream. No worker exists unless this
// succeeds.
func StartWorker(ctx context.Context, sessionID, identity string, source audio.Source, cfg recognizer.Config, rec recognizer.Recognizer, handler FinalHandler) (*Worker, error) {
	stream, err := rec.StartStream(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("start recognition stream: %w", err)
	}
	return &Worker{
		identity: identity,
		source:   source,
		cfg:      cfg,
		stream:   stream,
		handler:  handler,
		logger:   slog.Default().With("session_id", sessionID, "participant", identity, "engine", cfg.Engine),
	}, nil
}

func (w *Worker) Config() recognizer.Config {
	return w.cfg
}

// Run forwards audio and consumes results until the source ends, the stream
// fails, or ctx is cancelled. Cancelling ends the stream's input and drains
// the results still in flight; handlers never see the cancellation. The
// stream is closed before Run returns. Cancellation is a clean stop and
// yields nil.
func (w *Worker) Run(ctx context.Context) error {
	defer func() {
		if err := w.stream.Close(); err != nil {
			w.logger.Warn("failed to close recognition stream", "error", err)
		}
	}()

	forwardCtx, stopForward := context.WithCancel(ctx)
	defer stopForward()
	consumeCtx, stopConsume := context.WithCancel(ctx)
	defer stopConsume()
	var g errgroup.Group
	g.Go(func() error {
		err := w.forward(forwardCtx)
		if err != nil || ctx.Err() != nil {
			if endErr := w.stream.EndInput(); endErr != nil {
				w.logger.Debug("failed to end recognition input on stop", "error", endErr)
			}
		}
		if err != nil {
			stopConsume()
		}
		return err
	})
	g.Go(func() error {
		defer stopForward()
		return w.consume(consumeCtx, context.WithoutCancel(ctx))
	})
	err := g.Wait()
	w.logger.Info("transcription worker finished", "final_results", w.finals, "interim_results", w.interim)
	return err
}

func (w *Worker) forward(ctx context.Context) error {
	for {
		frame, err := w.source.ReadFrame(ctx)
		if errors.Is(err, io.EOF) {
			w.logger.Info("audio source ended; closing recognition input")
			return w.stream.EndInput()
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read audio frame: %w", err)
		}
		if err := w.stream.PushFrame(frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("push audio frame: %w", err)
		}
	}
}

// consume handles events until the stream closes them. Once stop is
// cancelled it keeps draining for at most drainTimeout.
func (w *Worker) consume(stop, handlerCtx context.Context) error {
	events := w.stream.Events()
	stopped := stop.Done()
	var deadline <-chan time.Time
	for {
		select {
		case <-stopped:
			stopped = nil
			timer := time.NewTimer(drainTimeout)
			defer timer.Stop()
			deadline = timer.C
		case <-deadline:
			w.logger.Warn("recognition stream did not drain before stop deadline")
			return nil
		case ev, ok := <-events:
			if !ok {
				if err := w.stream.Err(); err != nil && stop.Err() == nil {
					return err
				}
				return nil
			}
			w.handle(handlerCtx, ev)
		}
	}
}

func (w *Worker) handle(ctx context.Context, ev recognizer.Event) {
	if ev.Type != recognizer.EventFinal {
		w.interim++
		w.logger.Debug("interim recognition result", "text", ev.Text)
		return
	}
	if strings.TrimSpace(ev.Text) == "" {
		return
	}
	if ev.Language == "" {
		ev.Language = w.cfg.Language
	}
	if _, ok := w.handler.HandleFinal(ctx, w.identity, ev); ok {
		w.finals++
	}
}
