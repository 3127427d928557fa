package memory

import (
	"sync"
	"time"
)

// EventType identifies a memory lifecycle transition.
type EventType string

const (
	EventStored     EventType = "stored"
	EventSuperseded EventType = "superseded"
	EventForgotten  EventType = "forgotten"
)

// Event is a memory lifecycle notification, delivered to subscribers such as
// the websocket feed on the REST server.
type Event struct {
	Type    EventType `json:"type"`
	UserID  string    `json:"user_id"`
	EntryID string    `json:"entry_id,omitempty"`
	Content string    `json:"content,omitempty"`
	At      time.Time `json:"at"`
}

// broadcaster fans events out to subscribers. Delivery is best-effort: a
// subscriber that falls behind loses events rather than stalling ingestion.
type broadcaster struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan Event)}
}

func (b *broadcaster) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
