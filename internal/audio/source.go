package audio

import "context"

const (
	SampleRate = 48000
	Channels   = 1
)

// Source yields PCM frames for one speaker. ReadFrame returns io.EOF once the
// underlying track has ended.
type Source interface {
	ReadFrame(ctx context.Context) ([]byte, error)
}

// PacketSource is a Source fed with encoded packets from the transport.
type PacketSource interface {
	Source
	WriteOpusPacket(packet []byte)
	Close()
}

type SourceFactory func(identity string) PacketSource
