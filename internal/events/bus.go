// Package events provides the sync lifecycle events and the broadcast bus
// that delivers them to live subscribers.
package events

import (
	"log/slog"
	"sync"
)

const defaultSubscriberBuffer = 64

// Bus broadcasts events to every live subscriber.
//
// Delivery is at-most-once: there is no replay for late subscribers and a
// subscriber whose buffer is full misses the event.
type Bus struct {
	subs    map[uint64]chan Event
	nextID  uint64
	bufSize int
	closed  bool
	mu      sync.RWMutex
}

// NewBus creates a bus. bufSize is the per-subscriber channel capacity,
// values <= 0 select the default.
func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = defaultSubscriberBuffer
	}
	return &Bus{
		subs:    make(map[uint64]chan Event),
		bufSize: bufSize,
	}
}

// Emit sends the event to all subscribers without blocking.
func (b *Bus) Emit(event Event) {
	if b == nil || event == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for id, sub := range b.subs {
		select {
		case sub <- event:
		default:
			slog.Warn("event bus subscriber full. dropped", "subscriber", id, "event", event.Kind())
		}
	}
}

// Subscribe returns a channel receiving events emitted from now on, and a
// function that cancels the subscription and closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub)
	}
}

// Subscribers returns the number of live subscribers
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Emit becomes a no-op afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub)
		delete(b.subs, id)
	}
}
