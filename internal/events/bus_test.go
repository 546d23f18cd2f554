package events

import (
	"io"
	"log/slog"
	"testing"

	"github.com/halcyonlabs/tradegate/internal/domain"
)

func newTestBus() *Bus {
	return NewBus(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func event(t domain.EventType) domain.Event {
	return domain.Event{Type: t, RequestID: domain.NewID(), Status: domain.StatusPending}
}

func TestBus_PublishFansOut(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	a, unsubA := bus.Subscribe(4)
	b, unsubB := bus.Subscribe(4)
	defer unsubA()
	defer unsubB()

	ev := event(domain.EventRequestCreated)
	bus.Publish(ev)

	for name, ch := range map[string]<-chan domain.Event{"a": a, "b": b} {
		select {
		case got := <-ch:
			if got.RequestID != ev.RequestID {
				t.Errorf("subscriber %s got %v, want %v", name, got.RequestID, ev.RequestID)
			}
		default:
			t.Errorf("subscriber %s received nothing", name)
		}
	}
}

func TestBus_SlowSubscriberDropsNotBlocks(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	ch, unsub := bus.Subscribe(1)
	defer unsub()

	bus.Publish(event(domain.EventRequestCreated))
	bus.Publish(event(domain.EventEscalated)) // Buffer full: dropped, must not block.

	got := <-ch
	if got.Type != domain.EventRequestCreated {
		t.Errorf("first event type = %s, want request.created", got.Type)
	}
	select {
	case ev := <-ch:
		t.Errorf("unexpected second event %s, overflow should drop", ev.Type)
	default:
	}
}

func TestBus_UnsubscribeStopsDeliveryAndIsIdempotent(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	ch, unsub := bus.Subscribe(4)
	unsub()
	unsub() // Second call must be safe.

	bus.Publish(event(domain.EventRequestCreated))

	if _, open := <-ch; open {
		t.Errorf("channel still open after unsubscribe")
	}
}

func TestBus_Close(t *testing.T) {
	bus := newTestBus()

	ch, unsub := bus.Subscribe(4)
	defer unsub()

	bus.Close()
	bus.Close() // Idempotent.

	if _, open := <-ch; open {
		t.Errorf("subscriber channel still open after Close")
	}

	// Publishing and subscribing after Close are safe no-ops.
	bus.Publish(event(domain.EventRequestCreated))
	late, lateUnsub := bus.Subscribe(1)
	lateUnsub()
	if _, open := <-late; open {
		t.Errorf("post-close subscription returned an open channel")
	}
}
