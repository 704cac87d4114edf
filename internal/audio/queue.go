package audio

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
)

const DefaultQueueFrames = 250

// Decoder converts one encoded packet into PCM bytes.
type Decoder func(packet []byte) ([]byte, error)

// QueueSource buffers decoded frames between the transport receive loop and a
// recognition worker. Frames are dropped when the buffer is full so the
// receive loop never blocks on a slow recognizer.
type QueueSource struct {
	decode  Decoder
	frames  chan []byte
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
	failed  atomic.Int64
}

func NewQueueSource(decode Decoder, capacity int) *QueueSource {
	if capacity <= 0 {
		capacity = DefaultQueueFrames
	}
	return &QueueSource{
		decode: decode,
		frames: make(chan []byte, capacity),
		done:   make(chan struct{}),
	}
}

func (q *QueueSource) WriteOpusPacket(packet []byte) {
	if len(packet) == 0 {
		return
	}
	select {
	case <-q.done:
		return
	default:
	}
	pcm, err := q.decode(packet)
	if err != nil || len(pcm) == 0 {
		q.failed.Add(1)
		return
	}
	select {
	case q.frames <- pcm:
	case <-q.done:
	default:
		q.dropped.Add(1)
	}
}

// ReadFrame blocks for the next frame. After Close, buffered frames are still
// returned before io.EOF.
func (q *QueueSource) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-q.frames:
		return frame, nil
	default:
	}
	select {
	case frame := <-q.frames:
		return frame, nil
	case <-q.done:
		select {
		case frame := <-q.frames:
			return frame, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *QueueSource) Close() {
	q.once.Do(func() { close(q.done) })
}

// Stats reports frames dropped on a full buffer and packets that failed to decode.
func (q *QueueSource) Stats() (dropped, failed int64) {
	return q.dropped.Load(), q.failed.Load()
}
