package events

import (
	"sync"
	"sync/atomic"
)

// Bus fans events out to buffered subscriber channels. Publish never blocks:
// a full subscriber misses the event and the drop is counted.
type Bus struct {
	mu      sync.RWMutex
	topics  map[Event]map[uint64]chan any
	nextID  uint64
	dropped atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{topics: make(map[Event]map[uint64]chan any)}
}

// Subscribe returns a channel for e and a cancel func that closes it.
// Calling cancel more than once is fine.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	ch := make(chan any, buffer)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.topics[e] == nil {
		b.topics[e] = make(map[uint64]chan any)
	}
	b.topics[e][id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.remove(e, id) })
	}
}

func (b *Bus) remove(e Event, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[e]
	if ch, ok := subs[id]; ok {
		delete(subs, id)
		close(ch)
	}
	if len(subs) == 0 {
		delete(b.topics, e)
	}
}

// Publish delivers payload to every subscriber of e. A nil bus drops it.
func (b *Bus) Publish(e Event, payload any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.topics[e] {
		select {
		case ch <- payload:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribers reports how many channels listen on e.
func (b *Bus) Subscribers(e Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[e])
}

// Dropped counts deliveries skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
