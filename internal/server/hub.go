package server

import (
	"context"
	"sync"

	"github.com/foxseedlab/livecaption/internal/room"
)

const subscriberBuffer = 64

type channelKey struct {
	room  string
	topic string
}

// Hub fans room data out to websocket subscribers. Subscribers only receive
// payloads published to their own room and topic; slow subscribers drop.
type Hub struct {
	mu      sync.RWMutex
	clients map[channelKey]map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[channelKey]map[chan []byte]struct{})}
}

func (h *Hub) Subscribe(roomID, topic string) chan []byte {
	ch := make(chan []byte, subscriberBuffer)
	key := channelKey{room: roomID, topic: topic}
	h.mu.Lock()
	if h.clients[key] == nil {
		h.clients[key] = make(map[chan []byte]struct{})
	}
	h.clients[key][ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(roomID, topic string, ch chan []byte) {
	key := channelKey{room: roomID, topic: topic}
	h.mu.Lock()
	if subs, ok := h.clients[key]; ok {
		delete(subs, ch)
		if len(subs) == 0 {
			delete(h.clients, key)
		}
	}
	h.mu.Unlock()
	close(ch)
}

func (h *Hub) Publish(roomID, topic string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.clients[channelKey{room: roomID, topic: topic}] {
		select {
		case ch <- payload:
		default:
		}
	}
}

func (h *Hub) Subscribers(roomID, topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[channelKey{room: roomID, topic: topic}])
}

// Room returns a broadcaster bound to one room.
func (h *Hub) Room(roomID string) room.Broadcaster {
	return roomBroadcaster{hub: h, roomID: roomID}
}

type roomBroadcaster struct {
	hub    *Hub
	roomID string
}

func (b roomBroadcaster) PublishData(_ context.Context, topic string, payload []byte) error {
	b.hub.Publish(b.roomID, topic, payload)
	return nil
}
