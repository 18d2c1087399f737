package sync

import (
	"sync"
	"time"

	"device-sync-service/internal/store"
)

type EventType string

const (
	EventStatusChanged    EventType = "status_changed"
	EventProgress         EventType = "progress"
	EventChangeQueued     EventType = "change_queued"
	EventConflictDetected EventType = "conflict_detected"
	EventConflictResolved EventType = "conflict_resolved"
	EventPassCompleted    EventType = "pass_completed"
)

type Event struct {
	Type       EventType        `json:"type"`
	Status     store.SyncStatus `json:"status,omitempty"`
	Previous   store.SyncStatus `json:"previous,omitempty"`
	Progress   float64          `json:"progress"`
	ChangeID   string           `json:"changeId,omitempty"`
	ConflictID string           `json:"conflictId,omitempty"`
	At         time.Time        `json:"at"`
}

// EventBus fans events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type EventBus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a function that cancels the
// subscription and closes the channel. The cancel function may be called
// any number of times, before or after Close.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		// Close may already have ended the subscription.
		if _, ok := b.subs[id]; !ok {
			return
		}
		delete(b.subs, id)
		close(ch)
	}
}

func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Close cancels every subscription.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
