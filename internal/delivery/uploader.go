package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/foxseedlab/livecaption/internal/caption"
	"github.com/foxseedlab/livecaption/internal/registry"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultInterval     = 5 * time.Second
	DefaultRetryBackoff = 5 * time.Second

	sessionConcurrency = 4
)

// Uploader periodically publishes every active session.
type Uploader struct {
	registry  registry.Registry
	publisher SessionPublisher
	interval  time.Duration
	backoff   time.Duration
}

func NewUploader(reg registry.Registry, publisher SessionPublisher, interval, backoff time.Duration) *Uploader {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}
	return &Uploader{registry: reg, publisher: publisher, interval: interval, backoff: backoff}
}

// Run polls until ctx is done.
func (u *Uploader) Run(ctx context.Context) error {
	slog.Info("caption uploader started", "interval", u.interval.String())
	for {
		wait := u.interval
		if err := u.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.Error("caption upload cycle failed; backing off", "error", err, "backoff", u.backoff.String())
			wait = u.backoff
		}
		select {
		case <-ctx.Done():
			slog.Info("caption uploader stopped")
			return nil
		case <-time.After(wait):
		}
	}
	slog.Info("caption uploader stopped")
	return nil
}

// RunOnce publishes each active session once. Per-session failures are logged
// and do not fail the cycle; only enumeration failures are returned.
func (u *Uploader) RunOnce(ctx context.Context) error {
	agents, err := u.registry.ListActive(ctx)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sessionConcurrency)
	for _, agent := range agents {
		g.Go(func() error {
			u.publish(gctx, agent.SessionID)
			return nil
		})
	}
	return g.Wait()
}

func (u *Uploader) publish(ctx context.Context, sessionID string) {
	result, err := u.publisher.PublishSession(ctx, sessionID)
	switch {
	case errors.Is(err, caption.ErrSessionNotStarted):
		slog.Debug("session not started; skipping caption upload", "session_id", sessionID)
	case err != nil:
		slog.Error("failed to publish captions", "error", err, "session_id", sessionID)
	case result.Published():
		slog.Info("published captions", "session_id", sessionID, "first_segment", result.FirstSegment, "segment", result.LastSegment, "files", result.Files)
	}
}
