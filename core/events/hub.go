package events

import (
	"sync"

	"pegledger/core/types"
)

// Hub fans flattened events out to live subscribers. Slow subscribers drop
// events rather than block the ledger.
type Hub struct {
	mu      sync.RWMutex
	nextID  uint64
	subs    map[uint64]chan *types.Event
	bufSize int
}

// NewHub creates a hub whose subscriber channels hold up to bufSize events.
func NewHub(bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Hub{subs: make(map[uint64]chan *types.Event), bufSize: bufSize}
}

// Emit implements the Emitter interface.
func (h *Hub) Emit(ev Event) {
	if h == nil || ev == nil {
		return
	}
	flat := ev.Event()
	if flat == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- flat:
		default:
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel function closes the
// channel and must be called once the subscriber is done.
func (h *Hub) Subscribe() (<-chan *types.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	ch := make(chan *types.Event, h.bufSize)
	h.subs[id] = ch
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Subscribers reports the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
