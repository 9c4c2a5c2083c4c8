package broadcast

import (
	"context"
	"sync"
)

// Hub fans events out to in-process subscribers such as SSE streams. It
// remembers the latest event of each type so new subscribers can catch up.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	latest map[Type]Event
	buffer int
}

// NewHub creates a Hub whose subscriber channels hold buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 32
	}
	return &Hub{
		subs:   make(map[int]chan Event),
		latest: make(map[Type]Event),
		buffer: buffer,
	}
}

// Publish implements Sink. Slow subscribers miss events rather than block.
func (h *Hub) Publish(_ context.Context, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest[ev.Type] = ev
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a subscriber. The returned cancel func unregisters it
// and closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan Event, h.buffer)
	h.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Latest returns the most recent event of typ.
func (h *Hub) Latest(typ Type) (Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ev, ok := h.latest[typ]
	return ev, ok
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
