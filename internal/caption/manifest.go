package caption

import (
	"fmt"
	"math"
	"strings"
)

const (
	SegmentContentType  = "text/vtt"
	ManifestContentType = "application/vnd.apple.mpegurl"
)

// RenderManifest renders an HLS subtitle playlist listing segments
// mediaSequence..latest inclusive. latest < mediaSequence yields the header only.
func RenderManifest(mediaSequence, latest int, segmentDuration float64, language string) string {
	if segmentDuration <= 0 {
		segmentDuration = DefaultSegmentDuration
	}
	lines := []string{
		"#EXTM3U",
		"#EXT-X-VERSION:3",
		fmt.Sprintf("#EXT-X-TARGETDURATION:%d", int(math.Ceil(segmentDuration))),
		fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d", mediaSequence),
		"",
	}
	for i := mediaSequence; i <= latest; i++ {
		lines = append(lines, fmt.Sprintf("#EXTINF:%.1f,", segmentDuration), SegmentFilename(i, language))
	}
	return strings.Join(lines, "\n")
}

func SegmentFilename(index int, language string) string {
	if language == "" {
		return fmt.Sprintf("captions-%d.vtt", index)
	}
	return fmt.Sprintf("captions-%s-%d.vtt", language, index)
}

func ManifestFilename(language string) string {
	if language == "" {
		return "captions.m3u8"
	}
	return fmt.Sprintf("captions-%s.m3u8", language)
}
