package httpapi

import (
	"time"

	"github.com/jkaninda/okapi"

	"github.com/halcyonlabs/tradegate/internal/domain"
)

// Buffer per SSE subscriber. Slow consumers drop events rather than blocking
// the publisher.
const sseSubscriberBuffer = 64

const sseKeepaliveInterval = 30 * time.Second

// StreamEvent is a server-sent oversight event.
type StreamEvent struct {
	Type      string    `json:"type"`
	RequestID string    `json:"request_id"`
	Status    string    `json:"status"`
	Priority  string    `json:"priority"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// handleEvents handles GET /v1/events with SSE responses. Streams lifecycle
// events (created, state changed, escalated) until the client disconnects.
func (g *Gateway) handleEvents(c *okapi.Context) error {
	if g.bus == nil {
		return c.AbortServiceUnavailable("event streaming not available")
	}

	ch, unsubscribe := g.bus.Subscribe(sseSubscriberBuffer)
	defer unsubscribe()

	ctx := c.Context()
	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	c.SSEvent("ready", StreamEvent{Type: "ready", Timestamp: time.Now().UTC()})

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			c.SSEvent(string(ev.Type), toStreamEvent(ev))
		case <-keepalive.C:
			c.SSEvent("keepalive", StreamEvent{Type: "keepalive", Timestamp: time.Now().UTC()})
		}
	}
}

func toStreamEvent(ev domain.Event) StreamEvent {
	return StreamEvent{
		Type:      string(ev.Type),
		RequestID: ev.RequestID.String(),
		Status:    string(ev.Status),
		Priority:  string(ev.Priority),
		Reason:    ev.Reason,
		Timestamp: ev.Timestamp,
	}
}
