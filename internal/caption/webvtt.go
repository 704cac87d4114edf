package caption

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/foxseedlab/livecaption/internal/repository"
)

const webVTTHeader = "WEBVTT"

// RenderSegment renders the WebVTT file for one segment. Transcripts that
// overlap the window are clipped to it; translations replace the original text
// when language is set and a translation exists.
func RenderSegment(transcripts []repository.Transcript, index int, clock Clock, language string) string {
	segStart, segEnd := clock.Bounds(index)
	lines := []string{webVTTHeader, ""}
	cue := 1
	for _, t := range chronological(transcripts) {
		relStart := clock.Relative(t.StartTime)
		relEnd := clock.Relative(t.EndTime)
		if relStart >= segEnd || relEnd <= segStart {
			continue
		}
		lines = appendCue(lines, cue, max(relStart, segStart), min(relEnd, segEnd), captionText(t, language))
		cue++
	}
	return strings.Join(lines, "\n")
}

// RenderFull renders every transcript of the session, unclipped.
func RenderFull(transcripts []repository.Transcript, clock Clock, language string) string {
	lines := []string{webVTTHeader, ""}
	for i, t := range chronological(transcripts) {
		lines = appendCue(lines, i+1, clock.Relative(t.StartTime), clock.Relative(t.EndTime), captionText(t, language))
	}
	return strings.Join(lines, "\n")
}

// LatestSegment returns the index of the segment holding the latest end time.
func LatestSegment(transcripts []repository.Transcript, clock Clock) (int, bool) {
	if len(transcripts) == 0 {
		return 0, false
	}
	maxEnd := transcripts[0].EndTime
	for _, t := range transcripts[1:] {
		maxEnd = max(maxEnd, t.EndTime)
	}
	return clock.Index(maxEnd), true
}

// Languages returns every translation language present, sorted.
func Languages(transcripts []repository.Transcript) []string {
	seen := make(map[string]struct{})
	for _, t := range transcripts {
		for lang := range t.Translations {
			seen[lang] = struct{}{}
		}
	}
	langs := make([]string, 0, len(seen))
	for lang := range seen {
		langs = append(langs, lang)
	}
	slices.Sort(langs)
	return langs
}

func appendCue(lines []string, cue int, start, end float64, text string) []string {
	return append(lines,
		strconv.Itoa(cue),
		fmt.Sprintf("%s --> %s", FormatTimestamp(start), FormatTimestamp(end)),
		text,
		"",
	)
}

func captionText(t repository.Transcript, language string) string {
	if language == "" {
		return t.Text
	}
	if translated, ok := t.Translations[language]; ok {
		return translated
	}
	return t.Text
}

func chronological(transcripts []repository.Transcript) []repository.Transcript {
	sorted := slices.Clone(transcripts)
	slices.SortStableFunc(sorted, func(a, b repository.Transcript) int {
		switch {
		case a.StartTime < b.StartTime:
			return -1
		case a.StartTime > b.StartTime:
			return 1
		default:
			return 0
		}
	})
	return sorted
}

// FormatTimestamp formats seconds as HH:MM:SS.mmm. Negative values clamp to zero.
func FormatTimestamp(seconds float64) string {
	totalMs := int64(math.Round(seconds * 1000))
	if totalMs < 0 {
		totalMs = 0
	}
	h := totalMs / 3_600_000
	m := (totalMs % 3_600_000) / 60_000
	s := (totalMs % 60_000) / 1000
	ms := totalMs % 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}
