package server

import (
	"sync"

	"github.com/hed1ad/seqguard/pkg/cache"
)

// Hub fans status updates out to subscribers. A subscriber that falls
// behind loses updates rather than blocking the detectors.
type Hub struct {
	mu   sync.Mutex
	subs map[chan cache.Status]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan cache.Status]struct{})}
}

// Subscribe returns a channel of updates and a function that unsubscribes
// and closes it.
func (h *Hub) Subscribe() (<-chan cache.Status, func()) {
	ch := make(chan cache.Status, 16)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish sends s to every subscriber without blocking.
func (h *Hub) Publish(s cache.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
