// Package bus carries relay domain events from the code that produces them
// (reconciler, ingress handlers) to the websocket layer that pushes them to
// viewers. Delivery is best-effort: a viewer that falls behind misses events
// and is expected to re-fetch the conversation it cares about.
package bus

import (
	"strings"
	"sync"
)

// subscriberBuffer is the per-subscription channel capacity. Sends past a
// full buffer are dropped rather than blocking the publisher.
const subscriberBuffer = 100

// Event pairs a topic with its payload. Topic doubles as the wire-level
// "type" value the websocket layer sends, so the names in topics.go are part
// of the client contract.
type Event struct {
	Topic   string
	Payload any
}

// Subscription is one receiver's handle on the bus.
type Subscription struct {
	prefix string
	ch     chan Event
}

// Ch returns the channel events arrive on. It is closed by Unsubscribe.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus fans published events out to every subscription whose prefix matches
// the event topic. Safe for concurrent use.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a receiver for topics starting with topicPrefix. The
// empty prefix matches everything.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	sub := &Subscription{
		prefix: topicPrefix,
		ch:     make(chan Event, subscriberBuffer),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe detaches sub and closes its channel. Calling it twice, or with
// nil, is harmless.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish delivers the event to every matching subscription without
// blocking. A subscription whose buffer is full drops this event.
func (b *Bus) Publish(topic string, payload any) {
	ev := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// SubscriberCount reports how many subscriptions are attached.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
