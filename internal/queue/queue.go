// Package queue provides the flow-captured event bus: a bounded,
// multi-subscriber broadcast with per-subscriber overflow handling.
package queue

import (
	"sync"
	"sync/atomic"

	"github.com/HakAl/snitcher/internal/store"
)

// DefaultSubscriberBuffer bounds each subscriber's channel when the
// caller does not specify one.
const DefaultSubscriberBuffer = 64

// Bus fans out "flow captured" events to any number of subscribers.
// Delivery is at-least-once per subscriber; when a subscriber's buffer
// is full, the oldest buffered event for that subscriber is dropped to
// make room for the new one, and its drop counter is incremented. A
// slow subscriber can never block the driver or other subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscription
	nextID      int64
	bufferSize  int
	closed      bool
}

type subscription struct {
	ch      chan *store.Flow
	dropped uint64
}

// NewBus constructs an event bus whose subscriber channels are bounded
// to bufferSize. A bufferSize of zero or less uses DefaultSubscriberBuffer.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriberBuffer
	}
	return &Bus{
		subscribers: make(map[int64]*subscription),
		bufferSize:  bufferSize,
	}
}

// Subscription is a handle returned by Subscribe, used to receive events
// and to unsubscribe.
type Subscription struct {
	id  int64
	bus *Bus
	sub *subscription
}

// Subscribe registers a new subscriber and returns a handle whose
// Events() channel receives every subsequent flow-captured event.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	sub := &subscription{ch: make(chan *store.Flow, b.bufferSize)}
	b.subscribers[id] = sub

	return &Subscription{id: id, bus: b, sub: sub}
}

// Events returns the channel of delivered flows for this subscription.
func (s *Subscription) Events() <-chan *store.Flow {
	return s.sub.ch
}

// Dropped returns the number of events dropped for this subscriber due
// to overflow.
func (s *Subscription) Dropped() uint64 {
	return atomic.LoadUint64(&s.sub.dropped)
}

// Unsubscribe removes this subscription from the bus and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subscribers[s.id]; ok {
		delete(s.bus.subscribers, s.id)
		close(s.sub.ch)
	}
}

// Publish delivers flow to every current subscriber. A subscriber whose
// buffer is full has its oldest event dropped to make room.
func (b *Bus) Publish(flow *store.Flow) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subscribers {
		deliverOrDropOldest(sub, flow)
	}
}

func deliverOrDropOldest(sub *subscription, flow *store.Flow) {
	select {
	case sub.ch <- flow:
		return
	default:
	}

	// Buffer full: drop the oldest, then deliver the new one.
	select {
	case <-sub.ch:
		atomic.AddUint64(&sub.dropped, 1)
	default:
	}

	select {
	case sub.ch <- flow:
	default:
		// Another publisher raced us; count this as a drop too.
		atomic.AddUint64(&sub.dropped, 1)
	}
}

// SubscriberCount reports the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes and closes the channel of every current subscriber.
// Publish becomes a no-op after Close.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}
