// Package events provides an in-process publish/subscribe bus for oversight
// state-change events. Consumers are the SSE stream, the websocket hub and
// tests.
package events

import (
	"log/slog"
	"sync"

	"github.com/halcyonlabs/tradegate/internal/domain"
)

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full loses the event and a warning is logged. Events are a
// notification surface, not the system of record; the store holds the truth.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan domain.Event
	nextID int
	logger *slog.Logger
	closed bool
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]chan domain.Event),
		logger: logger,
	}
}

// Subscribe registers a buffered subscriber channel and returns it with an
// unsubscribe function. The unsubscribe closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan domain.Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan domain.Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(ev domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("event dropped for slow subscriber",
				slog.Int("subscriber", id),
				slog.String("type", string(ev.Type)),
				slog.String("request_id", ev.RequestID.String()),
			)
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
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
