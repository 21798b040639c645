package supervisor

import (
	"sync"
	"time"
)

// EventType identifies a supervisor event
type EventType string

const (
	EventQueued    EventType = "queued"
	EventStarted   EventType = "started"
	EventProgress  EventType = "progress"
	EventMemory    EventType = "memory"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventTimedOut  EventType = "timed_out"
	EventExited    EventType = "exited"
)

// Event describes a change in a session's life
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	AgentType string    `json:"agent_type,omitempty"`
	At        time.Time `json:"at"`
	Message   string    `json:"message,omitempty"`

	HeapUsedPct float64 `json:"heap_used_pct,omitempty"`
	MemoryMB    float64 `json:"memory_mb,omitempty"`
	DurationMs  int64   `json:"duration_ms,omitempty"`
}

// IsFailure reports whether the event marks a session as failed
func (e Event) IsFailure() bool {
	return e.Type == EventFailed || e.Type == EventTimedOut
}

// Hub fans events out to subscribers. Slow subscribers miss events rather
// than stall the supervisor.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan Event]bool
	closed  bool
}

// NewHub creates an event hub
func NewHub() *Hub {
	return &Hub{clients: make(map[chan Event]bool)}
}

// Subscribe returns a channel of events and a function that ends the
// subscription. The channel is closed when the subscription ends.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	if h.closed {
		close(ch)
		h.mu.Unlock()
		return ch, func() {}
	}
	h.clients[ch] = true
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.clients[ch]; ok {
				delete(h.clients, ch)
				close(ch)
			}
		})
	}
}

// Publish sends an event to every subscriber without blocking
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client <- ev:
		default:
		}
	}
}

// Close ends all subscriptions
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for client := range h.clients {
		close(client)
		delete(h.clients, client)
	}
}

// Subscribers returns the number of active subscriptions
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
