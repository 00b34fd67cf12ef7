package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/conveyor/internal/autopilot"
)

const (
	// hubHistory is the number of recent events replayed to a new subscriber.
	hubHistory = 50
	// subscriberBuffer is the per-subscriber queue; slow readers drop events.
	subscriberBuffer = 64
)

// Subscriber is one event stream consumer.
type Subscriber struct {
	ID        string
	CreatedAt time.Time
	C         chan autopilot.Event
}

// Hub fans loop events out to websocket subscribers. It implements
// autopilot.EventSink.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]*Subscriber
	history []autopilot.Event
	closed  bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]*Subscriber)}
}

// Publish implements autopilot.EventSink. It never blocks.
func (h *Hub) Publish(e autopilot.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	h.history = append(h.history, e)
	if len(h.history) > hubHistory {
		h.history = h.history[len(h.history)-hubHistory:]
	}
	for _, sub := range h.subs {
		select {
		case sub.C <- e:
		default:
		}
	}
}

// Subscribe registers a consumer and returns it with the recent history.
func (h *Hub) Subscribe() (*Subscriber, []autopilot.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &Subscriber{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		C:         make(chan autopilot.Event, subscriberBuffer),
	}
	if h.closed {
		close(sub.C)
		return sub, nil
	}
	h.subs[sub.ID] = sub
	history := make([]autopilot.Event, len(h.history))
	copy(history, h.history)
	return sub, history
}

// Unsubscribe removes a consumer and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub.ID]; ok {
		delete(h.subs, sub.ID)
		close(sub.C)
	}
}

// Count returns the number of active subscribers
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		close(sub.C)
		delete(h.subs, id)
	}
}
