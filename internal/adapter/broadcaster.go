package adapter

import (
	"sync"
	"sync/atomic"
)

const defaultSubscriberBuffer = 256

// Bus fans adapter events out to subscribers. Adapters publish without
// knowing who listens. Delivery is non-blocking: a subscriber whose buffer
// is full misses the event instead of stalling the publisher. Every event
// kind is a full snapshot, so the next poll repairs a missed one.
type Bus struct {
	bufSize int

	mu   sync.RWMutex
	subs map[EventKind][]chan Event
	all  []chan Event

	dropped atomic.Uint64
}

// NewBus creates a Bus whose subscriber channels hold bufSize events.
// A non-positive bufSize selects the default.
func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = defaultSubscriberBuffer
	}
	return &Bus{
		bufSize: bufSize,
		subs:    make(map[EventKind][]chan Event),
	}
}

// Subscribe returns a channel receiving events of the given kinds.
func (b *Bus) Subscribe(kinds ...EventKind) <-chan Event {
	ch := make(chan Event, b.bufSize)
	b.mu.Lock()
	for _, k := range kinds {
		b.subs[k] = append(b.subs[k], ch)
	}
	b.mu.Unlock()
	return ch
}

// SubscribeAll returns a channel receiving every event.
func (b *Bus) SubscribeAll() <-chan Event {
	ch := make(chan Event, b.bufSize)
	b.mu.Lock()
	b.all = append(b.all, ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe detaches ch and closes it. Unknown channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var found chan Event
	for k, list := range b.subs {
		kept := list[:0]
		for _, c := range list {
			if (<-chan Event)(c) == ch {
				found = c
				continue
			}
			kept = append(kept, c)
		}
		b.subs[k] = kept
	}
	kept := b.all[:0]
	for _, c := range b.all {
		if (<-chan Event)(c) == ch {
			found = c
			continue
		}
		kept = append(kept, c)
	}
	b.all = kept

	if found != nil {
		close(found)
	}
}

// Publish delivers ev to every matching subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[ev.Kind] {
		b.send(ch, ev)
	}
	for _, ch := range b.all {
		b.send(ch, ev)
	}
}

// Dropped returns how many deliveries were skipped on full subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bus) send(ch chan Event, ev Event) {
	select {
	case ch <- ev:
	default:
		b.dropped.Add(1)
	}
}
