// Package caption turns accumulated transcripts into WebVTT subtitle segments
// and sliding-window HLS playlists. Everything here is pure; callers supply the
// transcripts and the session start anchor.
package caption

import (
	"errors"
	"math"
	"time"
)

const (
	DefaultSegmentDuration = 4.0
	DefaultMaxSegments     = 100
)

var ErrSessionNotStarted = errors.New("session has not started")

// Clock maps absolute Unix seconds onto fixed-duration segment indices
// anchored at the session start.
type Clock struct {
	Start    float64
	Duration float64
}

func NewClock(startedAt time.Time, segmentDuration float64) Clock {
	if segmentDuration <= 0 {
		segmentDuration = DefaultSegmentDuration
	}
	return Clock{Start: UnixSeconds(startedAt), Duration: segmentDuration}
}

// UnixSeconds converts t to fractional Unix seconds. A time.Time is an
// absolute instant, so its location never shifts the result; stores that hold
// zone-less timestamps must parse them as UTC before they reach this point.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Index returns max(0, floor((t - start) / duration)).
func (c Clock) Index(t float64) int {
	return SegmentIndex(t, c.Start, c.Duration)
}

// Bounds returns the segment window relative to the session start.
func (c Clock) Bounds(index int) (float64, float64) {
	return SegmentBounds(index, c.Duration)
}

// Relative converts an absolute timestamp to seconds since the session start.
func (c Clock) Relative(t float64) float64 {
	return t - c.Start
}

func SegmentIndex(t, start, duration float64) int {
	idx := math.Floor((t - start) / duration)
	if idx < 0 || math.IsNaN(idx) {
		return 0
	}
	return int(idx)
}

func SegmentBounds(index int, duration float64) (float64, float64) {
	start := float64(index) * duration
	return start, start + duration
}

// MediaSequence is the oldest segment kept in a playlist ending at latest.
func MediaSequence(latest, maxSegments int) int {
	if maxSegments <= 0 {
		maxSegments = DefaultMaxSegments
	}
	return max(0, latest-maxSegments+1)
}
