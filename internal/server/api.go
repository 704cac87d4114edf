package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/foxseedlab/livecaption/internal/caption"
	"github.com/foxseedlab/livecaption/internal/repository"
)

var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (*repository.Session, error)
	ListTranscriptsBySessionID(ctx context.Context, sessionID string) ([]repository.Transcript, error)
}

type captionOptions struct {
	segmentDuration float64
	maxSegments     int
}

type sessionURLsResponse struct {
	SessionID           string            `json:"session_id"`
	LastUploadedSegment int               `json:"last_uploaded_segment"`
	PublishedURLs       map[string]string `json:"published_urls"`
}

func registerAPIRoutes(mux *http.ServeMux, store SessionStore, opts captionOptions) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /sessions/{id}/captions.vtt", func(w http.ResponseWriter, r *http.Request) {
		clock, transcripts, ok := loadCaptions(w, r, store, opts)
		if !ok {
			return
		}
		writeText(w, caption.SegmentContentType, caption.RenderFull(transcripts, clock, r.URL.Query().Get("language")))
	})

	mux.HandleFunc("GET /sessions/{id}/segments/{index}", func(w http.ResponseWriter, r *http.Request) {
		index, err := strconv.Atoi(strings.TrimSuffix(r.PathValue("index"), ".vtt"))
		if err != nil || index < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid segment index")
			return
		}
		clock, transcripts, ok := loadCaptions(w, r, store, opts)
		if !ok {
			return
		}
		writeText(w, caption.SegmentContentType, caption.RenderSegment(transcripts, index, clock, r.URL.Query().Get("language")))
	})

	mux.HandleFunc("GET /sessions/{id}/captions.m3u8", func(w http.ResponseWriter, r *http.Request) {
		clock, transcripts, ok := loadCaptions(w, r, store, opts)
		if !ok {
			return
		}
		latest := -1
		if idx, found := caption.LatestSegment(transcripts, clock); found {
			latest = idx
		}
		sequence := caption.MediaSequence(latest, opts.maxSegments)
		writeText(w, caption.ManifestContentType, caption.RenderManifest(sequence, latest, opts.segmentDuration, r.URL.Query().Get("language")))
	})

	mux.HandleFunc("GET /sessions/{id}/urls", func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.PathValue("id")
		if !validSessionID(sessionID) {
			writeJSONError(w, http.StatusBadRequest, "invalid session id")
			return
		}
		sess, err := store.GetSession(r.Context(), sessionID)
		if err != nil {
			writeStoreError(w, sessionID, err)
			return
		}
		urls := sess.Delivery.PublishedURLs
		if urls == nil {
			urls = map[string]string{}
		}
		writeJSON(w, http.StatusOK, sessionURLsResponse{
			SessionID:           sess.ID,
			LastUploadedSegment: sess.Delivery.LastUploadedSegment,
			PublishedURLs:       urls,
		})
	})
}

func loadCaptions(w http.ResponseWriter, r *http.Request, store SessionStore, opts captionOptions) (caption.Clock, []repository.Transcript, bool) {
	sessionID := r.PathValue("id")
	if !validSessionID(sessionID) {
		writeJSONError(w, http.StatusBadRequest, "invalid session id")
		return caption.Clock{}, nil, false
	}
	sess, err := store.GetSession(r.Context(), sessionID)
	if err != nil {
		writeStoreError(w, sessionID, err)
		return caption.Clock{}, nil, false
	}
	if !sess.HasStarted() {
		writeStoreError(w, sessionID, caption.ErrSessionNotStarted)
		return caption.Clock{}, nil, false
	}
	transcripts, err := store.ListTranscriptsBySessionID(r.Context(), sessionID)
	if err != nil {
		writeStoreError(w, sessionID, err)
		return caption.Clock{}, nil, false
	}
	return caption.NewClock(*sess.StartedAt, opts.segmentDuration), transcripts, true
}

func writeStoreError(w http.ResponseWriter, sessionID string, err error) {
	switch {
	case errors.Is(err, repository.ErrSessionNotFound):
		writeJSONError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, caption.ErrSessionNotStarted):
		writeJSONError(w, http.StatusConflict, "session has not started")
	default:
		slog.Error("caption request failed", "error", err, "session_id", sessionID)
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("load session: %v", err))
	}
}

func validSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

func writeText(w http.ResponseWriter, contentType, body string) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
