// ABOUTME: Fan-out event bus with one bounded channel per subscriber
// ABOUTME: Publishing never blocks; events for a full subscriber are dropped and counted
package playcore

import (
	"sync"
	"sync/atomic"
)

const defaultSubscriberBuffer = 64

// Subscription receives events on C until it is unsubscribed or the bus closes
type Subscription struct {
	C <-chan Event

	id      uint64
	ch      chan Event
	dropped atomic.Uint64
}

// Dropped counts events discarded because C was full
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Bus delivers events to subscribers
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a subscriber with a channel of the given size
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	return s
}

// Unsubscribe removes a subscriber and closes its channel
func (b *Bus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; ok {
		delete(b.subs, s.id)
		close(s.ch)
	}
}

// Publish hands ev to every subscriber that has room
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
}

// Close closes every subscriber channel
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}
