// Package delivery incrementally publishes caption segments and playlists for
// live sessions to durable storage.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/foxseedlab/livecaption/internal/caption"
	"github.com/foxseedlab/livecaption/internal/repository"
	"github.com/foxseedlab/livecaption/internal/storage"
)

type SessionPublisher interface {
	PublishSession(ctx context.Context, sessionID string) (Result, error)
}

// Result describes one publish pass for a session.
type Result struct {
	FirstSegment int
	LastSegment  int
	Files        int
	Conflict     bool
}

func (r Result) Published() bool {
	return r.Files > 0 && !r.Conflict
}

// Store is the part of the repository the publisher reads and updates.
type Store interface {
	GetSession(ctx context.Context, sessionID string) (*repository.Session, error)
	ListTranscriptsBySessionID(ctx context.Context, sessionID string) ([]repository.Transcript, error)
	UpdateDeliveryCursor(ctx context.Context, input repository.UpdateDeliveryCursorInput) error
}

type Publisher struct {
	repo            Store
	store           storage.ObjectStore
	segmentDuration float64
	maxSegments     int
}

func NewPublisher(repo Store, store storage.ObjectStore, segmentDuration float64, maxSegments int) *Publisher {
	if segmentDuration <= 0 {
		segmentDuration = caption.DefaultSegmentDuration
	}
	if maxSegments <= 0 {
		maxSegments = caption.DefaultMaxSegments
	}
	return &Publisher{repo: repo, store: store, segmentDuration: segmentDuration, maxSegments: maxSegments}
}

// PublishSession uploads every segment after the delivery cursor up to the
// latest one, then the playlists, and only then advances the cursor. Losing
// the version race is reported in Result and is not an error.
func (p *Publisher) PublishSession(ctx context.Context, sessionID string) (Result, error) {
	sess, err := p.repo.GetSession(ctx, sessionID)
	if err != nil {
		return Result{}, fmt.Errorf("get session: %w", err)
	}
	if !sess.HasStarted() {
		return Result{}, caption.ErrSessionNotStarted
	}
	transcripts, err := p.repo.ListTranscriptsBySessionID(ctx, sessionID)
	if err != nil {
		return Result{}, fmt.Errorf("list transcripts: %w", err)
	}
	clock := caption.NewClock(*sess.StartedAt, p.segmentDuration)
	latest, ok := caption.LatestSegment(transcripts, clock)
	if !ok {
		return Result{}, nil
	}
	first := sess.Delivery.LastUploadedSegment + 1
	if first > latest {
		return Result{}, nil
	}

	languages := append([]string{""}, caption.Languages(transcripts)...)
	mediaSequence := caption.MediaSequence(latest, p.maxSegments)
	segments := make([]storage.File, 0, (latest-first+1)*len(languages))
	for _, lang := range languages {
		for i := mediaSequence; i < first; i++ {
			// A language first seen in this pass still needs the earlier
			// segments its playlist window lists.
			name := caption.SegmentFilename(i, lang)
			if _, ok := sess.Delivery.PublishedURLs[name]; ok {
				continue
			}
			segments = append(segments, renderSegmentFile(transcripts, i, clock, lang))
		}
		for i := first; i <= latest; i++ {
			segments = append(segments, renderSegmentFile(transcripts, i, clock, lang))
		}
	}
	manifests := make([]storage.File, 0, len(languages))
	for _, lang := range languages {
		manifests = append(manifests, storage.File{
			Name:        caption.ManifestFilename(lang),
			Content:     []byte(caption.RenderManifest(mediaSequence, latest, p.segmentDuration, lang)),
			ContentType: caption.ManifestContentType,
		})
	}

	segmentURLs, err := storage.PutBatch(ctx, p.store, sessionID, segments, storage.CachePolicyImmutable)
	if err != nil {
		return Result{}, fmt.Errorf("upload segments %d-%d: %w", first, latest, err)
	}
	manifestURLs, err := storage.PutBatch(ctx, p.store, sessionID, manifests, storage.CachePolicyPlaylist)
	if err != nil {
		return Result{}, fmt.Errorf("upload manifests: %w", err)
	}

	urls := make(map[string]string, len(sess.Delivery.PublishedURLs)+len(segmentURLs)+len(manifestURLs))
	maps.Copy(urls, sess.Delivery.PublishedURLs)
	maps.Copy(urls, segmentURLs)
	maps.Copy(urls, manifestURLs)

	result := Result{FirstSegment: first, LastSegment: latest, Files: len(segments) + len(manifests)}
	err = p.repo.UpdateDeliveryCursor(ctx, repository.UpdateDeliveryCursorInput{
		SessionID:           sessionID,
		ExpectedVersion:     sess.Version,
		LastUploadedSegment: latest,
		PublishedURLs:       urls,
	})
	if errors.Is(err, repository.ErrVersionConflict) {
		slog.Info("delivery cursor changed concurrently; will recompute next cycle", "session_id", sessionID, "segment", latest)
		result.Conflict = true
		return result, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("update delivery cursor: %w", err)
	}
	slog.Debug("published caption segments", "session_id", sessionID, "first_segment", first, "segment", latest, "languages", len(languages)-1)
	return result, nil
}

func renderSegmentFile(transcripts []repository.Transcript, index int, clock caption.Clock, language string) storage.File {
	return storage.File{
		Name:        caption.SegmentFilename(index, language),
		Content:     []byte(caption.RenderSegment(transcripts, index, clock, language)),
		ContentType: caption.SegmentContentType,
	}
}
