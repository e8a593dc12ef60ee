// Package events carries command lifecycle notifications from the dispatch
// layer to streaming clients.
package events

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Lifecycle event types.
const (
	TypeQueued       = "command.queued"
	TypeDeduped      = "command.deduped"
	TypeLeased       = "command.leased"
	TypeCompleted    = "command.completed"
	TypeFailed       = "command.failed"
	TypeRequeued     = "command.requeued"
	TypeLeaseExpired = "command.lease_expired"
	TypeExpired      = "command.expired"
	TypeRejected     = "result.rejected"
	TypePlanExecuted = "plan.executed"
	TypeScene        = "scene.updated"
)

const subscriberBuffer = 128

// Event is one published notification. IDs increase by one per Publish.
type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Filter selects events by type. An entry ending in "." or naming a family
// ("command", "plan") matches every type under it. The zero Filter matches
// everything.
type Filter struct {
	types []string
}

// ParseFilter reads a comma-separated type list such as
// "command.completed,plan".
func ParseFilter(s string) Filter {
	var f Filter
	for _, part := range strings.Split(s, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			f.types = append(f.types, part)
		}
	}
	return f
}

// Match reports whether ev passes the filter.
func (f Filter) Match(ev Event) bool {
	if len(f.types) == 0 {
		return true
	}
	for _, t := range f.types {
		if ev.Type == t || strings.HasPrefix(ev.Type, strings.TrimSuffix(t, ".")+".") {
			return true
		}
	}
	return false
}

// Hub fans events out to subscribers and keeps the most recent ones so a
// reconnecting client can resume from its last seen ID.
type Hub struct {
	mu       sync.Mutex
	lastID   int64
	capacity int
	recent   []Event
	subs     map[chan Event]struct{}
}

// NewHub returns a hub retaining up to capacity events for replay.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		capacity: capacity,
		recent:   make([]Event, 0, capacity),
		subs:     make(map[chan Event]struct{}),
	}
}

// Publish records an event and fans it out. A subscriber whose buffer is full
// misses the event; the publisher never waits.
func (h *Hub) Publish(eventType string, data any) {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastID++
	ev := Event{ID: h.lastID, Type: eventType, At: time.Now().UTC(), Data: payload}

	if len(h.recent) == h.capacity {
		copy(h.recent, h.recent[1:])
		h.recent = h.recent[:h.capacity-1]
	}
	h.recent = append(h.recent, ev)

	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a listener. The returned func removes it and closes the
// channel; calling it again is a no-op.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

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

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// SnapshotSince returns retained events with ID > lastID, oldest first.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, len(h.recent))
	for _, ev := range h.recent {
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}
