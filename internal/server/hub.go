package server

import (
	"sync"

	"github.com/google/uuid"

	"github.com/mikeangelocasono/expert-dashboard/pkg/schema"
)

// subscriberBuffer is how many undelivered events a slow subscriber may
// accumulate before the hub starts dropping for it. Dropped events are not
// an integrity problem: clients recover through reconciliation when their
// feed degrades.
const subscriberBuffer = 64

// Hub fans change events out to feed subscribers. Publish never blocks on a
// slow consumer.
type Hub struct {
	mu   sync.Mutex
	subs map[uuid.UUID]chan schema.ChangeEvent
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uuid.UUID]chan schema.ChangeEvent)}
}

// Subscribe registers a feed consumer. The returned channel is closed by
// the cancel func, never by Publish.
func (h *Hub) Subscribe() (id uuid.UUID, events <-chan schema.ChangeEvent, cancel func()) {
	ch := make(chan schema.ChangeEvent, subscriberBuffer)
	id = uuid.New()

	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()

	return id, ch, func() {
		h.mu.Lock()
		if existing, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(existing)
		}
		h.mu.Unlock()
	}
}

// Publish delivers an event to every subscriber, dropping it for any whose
// buffer is full.
func (h *Hub) Publish(ev schema.ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Len returns the subscriber count.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close detaches every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
