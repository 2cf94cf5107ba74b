// Package events fans out observable engine events to the host application
package events

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-cache-proxy/internal/metrics"
)

// Kind names an observable event
type Kind string

const (
	CacheUpdated        Kind = "cache-updated"
	CacheWriteFailed    Kind = "cache-write-failed"
	CacheReadFailed     Kind = "cache-read-failed"
	RevalidateFailed    Kind = "revalidate-failed"
	FallbackServed      Kind = "fallback-served"
	SyncTaskEnqueued    Kind = "sync-task-enqueued"
	SyncTaskCompleted   Kind = "sync-task-completed"
	SyncTaskExhausted   Kind = "sync-task-exhausted"
	GenerationActivated Kind = "generation-activated"
	ConnectivityChanged Kind = "connectivity-changed"
)

const recentSize = 256

// Event is one notification; Subject is the cache key, task id or generation id
type Event struct {
	Kind    Kind      `json:"kind"`
	Subject string    `json:"subject"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// Bus delivers events to subscribers without ever blocking the publisher
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	recent []Event
	head   int
	full   bool
}

func NewBus() *Bus {
	return &Bus{
		subs:   map[int]chan Event{},
		recent: make([]Event, recentSize),
	}
}

// Publish records the event and hands it to each subscriber with room for it
func (b *Bus) Publish(kind Kind, subject string) {
	b.PublishDetail(kind, subject, "")
}

// PublishDetail is Publish with a free-form detail, usually an error message
func (b *Bus) PublishDetail(kind Kind, subject, detail string) {
	ev := Event{Kind: kind, Subject: subject, Detail: detail, At: time.Now()}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.recent[b.head] = ev
	b.head = (b.head + 1) % recentSize
	if b.head == 0 {
		b.full = true
	}

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			metrics.DroppedEvents.Inc()
			logrus.Debugf("Dropped %s event for slow subscriber %d", kind, id)
		}
	}
}

// Subscribe returns a channel of future events and a cancel func that closes it
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

// Recent returns the last events, oldest first
func (b *Bus) Recent() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.full {
		return append([]Event(nil), b.recent[:b.head]...)
	}
	out := make([]Event, 0, recentSize)
	out = append(out, b.recent[b.head:]...)
	return append(out, b.recent[:b.head]...)
}
