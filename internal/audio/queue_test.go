package audio

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func passthrough(packet []byte) ([]byte, error) {
	return packet, nil
}

func TestQueueSource_DrainsBeforeEOF(t *testing.T) {
	q := NewQueueSource(passthrough, 4)
	q.WriteOpusPacket([]byte{1})
	q.WriteOpusPacket([]byte{2})
	q.Close()
	q.WriteOpusPacket([]byte{3})

	ctx := context.Background()
	for _, want := range []byte{1, 2} {
		frame, err := q.ReadFrame(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if frame[0] != want {
			t.Fatalf("expected frame %d, got %d", want, frame[0])
		}
	}
	if _, err := q.ReadFrame(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestQueueSource_DropsWhenFull(t *testing.T) {
	q := NewQueueSource(passthrough, 1)
	q.WriteOpusPacket([]byte{1})
	q.WriteOpusPacket([]byte{2})
	q.WriteOpusPacket(nil)

	dropped, failed := q.Stats()
	if dropped != 1 || failed != 0 {
		t.Fatalf("unexpected stats: dropped=%d failed=%d", dropped, failed)
	}
}

func TestQueueSource_CountsDecodeFailures(t *testing.T) {
	q := NewQueueSource(func([]byte) ([]byte, error) { return nil, errors.New("corrupt") }, 1)
	q.WriteOpusPacket([]byte{1})
	if _, failed := q.Stats(); failed != 1 {
		t.Fatalf("expected one decode failure, got %d", failed)
	}
}

func TestQueueSource_ReadHonorsContext(t *testing.T) {
	q := NewQueueSource(passthrough, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.ReadFrame(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
