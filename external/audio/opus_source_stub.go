//go:build !opus

package audio

import (
	"errors"
	"log/slog"

	"github.com/foxseedlab/livecaption/internal/audio"
)

var errOpusUnavailable = errors.New("opus decoding not compiled in; build with -tags opus")

func NewOpusSource(identity string) audio.PacketSource {
	slog.Warn("opus decoding unavailable; speaker audio will be discarded", "participant", identity)
	return audio.NewQueueSource(func([]byte) ([]byte, error) { return nil, errOpusUnavailable }, audio.DefaultQueueFrames)
}
