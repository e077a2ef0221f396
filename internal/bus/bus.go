// Package bus is the in-process fan-out used to tell the UI bridge, metrics and
// audit about brain lifecycle changes and dispatched agent actions.
package bus

import (
	"strings"
	"sync"
	"time"
)

const defaultBufferSize = 64

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
	At      time.Time
}

// Subscription represents an active subscription.
type Subscription struct {
	id     uint64
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is an in-process pub/sub bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
}

func New() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers interest in topics starting with prefix. An empty
// prefix matches everything. Slow consumers lose events once their buffer
// is full.
func (b *Bus) Subscribe(prefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: prefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers to every matching subscriber without blocking.
// A nil Bus is a valid no-op publisher.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	ev := Event{Topic: topic, Payload: payload, At: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
