package server

import (
	"net/http"
	"time"

	"github.com/foxseedlab/livecaption/internal/caption"
)

const readHeaderTimeout = 10 * time.Second

type Options struct {
	SegmentDuration float64
	MaxSegments     int
}

func Handler(hub *Hub, store SessionStore, opts Options) http.Handler {
	if opts.SegmentDuration <= 0 {
		opts.SegmentDuration = caption.DefaultSegmentDuration
	}
	if opts.MaxSegments <= 0 {
		opts.MaxSegments = caption.DefaultMaxSegments
	}
	mux := http.NewServeMux()
	registerWSRoute(mux, hub)
	registerAPIRoutes(mux, store, captionOptions{segmentDuration: opts.SegmentDuration, maxSegments: opts.MaxSegments})
	return mux
}

func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}
