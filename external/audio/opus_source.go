//go:build opus

package audio

import (
	"encoding/binary"
	"log/slog"

	"github.com/foxseedlab/livecaption/internal/audio"
	"github.com/hraban/opus"
)

const (
	packetChannels  = 2
	frameSizeMs     = 20
	samplesPerFrame = audio.SampleRate * frameSizeMs * packetChannels / 1000
)

// NewOpusSource decodes stereo Opus voice packets and downmixes them to mono
// 16-bit PCM.
func NewOpusSource(identity string) audio.PacketSource {
	dec, err := opus.NewDecoder(audio.SampleRate, packetChannels)
	if err != nil {
		slog.Error("failed to create opus decoder", "error", err, "participant", identity)
		return audio.NewQueueSource(func([]byte) ([]byte, error) { return nil, err }, audio.DefaultQueueFrames)
	}
	pcm := make([]int16, samplesPerFrame)
	return audio.NewQueueSource(func(packet []byte) ([]byte, error) {
		n, err := dec.Decode(packet, pcm)
		if err != nil {
			return nil, err
		}
		return downmix(pcm[:n*packetChannels]), nil
	}, audio.DefaultQueueFrames)
}

func downmix(stereo []int16) []byte {
	out := make([]byte, len(stereo)/packetChannels*2)
	for i := 0; i+1 < len(stereo); i += packetChannels {
		mono := (int32(stereo[i]) + int32(stereo[i+1])) / 2
		binary.LittleEndian.PutUint16(out[i:], uint16(int16(mono)))
	}
	return out
}
