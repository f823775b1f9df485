// Package events carries deliberation lifecycle notifications from the
// engine and trackers to SSE clients. Delivery is best-effort: a
// subscriber that stops draining loses events rather than stalling the
// publisher.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventDeliberationStarted   EventType = "deliberation_started"
	EventStageComplete         EventType = "stage_complete"
	EventDeliberationFinished  EventType = "deliberation_finished"
	EventDeliberationCancelled EventType = "deliberation_cancelled"
	EventSearchPerformed       EventType = "search_performed"
	EventQueryFailure          EventType = "query_failure"
	EventHealthChange          EventType = "health_change"
	EventSettingsUpdated       EventType = "settings_updated"
)

// Event is a single deliberation event published on the bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Deliberation fields (populated for lifecycle events).
	ConversationID string  `json:"conversation_id,omitempty"`
	Stage          string  `json:"stage,omitempty"`
	CouncilSize    int     `json:"council_size,omitempty"`
	WebSearch      bool    `json:"web_search,omitempty"`
	DurationMs     float64 `json:"duration_ms,omitempty"`

	// Query fields (populated for query_failure events).
	ModelID    string `json:"model_id,omitempty"`
	ProviderID string `json:"provider_id,omitempty"`
	ErrorClass string `json:"error_class,omitempty"`
	ErrorMsg   string `json:"error_msg,omitempty"`

	// Search fields (populated for search_performed events).
	SearchProvider string `json:"search_provider,omitempty"`
	Query          string `json:"query,omitempty"`

	// Health fields (populated for health_change events).
	OldState string `json:"old_state,omitempty"`
	NewState string `json:"new_state,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// JSON renders the event as it travels on the SSE feed.
func (e *Event) JSON() []byte {
	buf, _ := json.Marshal(e)
	return buf
}

// Subscriber receives events on C. The channel is closed by
// Unsubscribe.
type Subscriber struct {
	C chan Event
}

// Bus is an in-memory pub/sub hub for deliberation events.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscriber]struct{}
	dropped atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscriber]struct{})}
}

// Subscribe registers a new subscriber. Non-positive buffer sizes get a
// default of 64 events.
func (b *Bus) Subscribe(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{C: make(chan Event, bufSize)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call
// more than once.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.C)
	}
}

// Publish fans an event out to every subscriber without blocking.
// Events for full subscriber buffers are counted and discarded. An
// unset timestamp is stamped with the current time.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	// Holding the read lock ensures no channel closes mid-send:
	// Unsubscribe needs the write lock to remove and close.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.C <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount reports how many subscribers are attached.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many events were discarded because a subscriber
// buffer was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
