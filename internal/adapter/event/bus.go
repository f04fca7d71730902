package event

import (
	"context"
	"sync"

	"github.com/rl1809/basket-checkout/internal/core/domain"
	"github.com/rl1809/basket-checkout/internal/logger"
)

const defaultSubscriberBuffer = 64

// Bus fans events out to in-process subscribers. A subscriber whose buffer is
// full misses the event; publishing never blocks the cart or the checkout.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan domain.Event
	nextID int
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan domain.Event)}
}

// Subscribe returns a channel of events and a function that unsubscribes and
// closes it.
func (b *Bus) Subscribe(buffer int) (<-chan domain.Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan domain.Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

func (b *Bus) Publish(ctx context.Context, ev domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			logger.Warnw("event_dropped", "subscriber", id, "kind", ev.Kind, "session_id", ev.SessionID)
		}
	}
}

// Close closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
