package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies a state-change event published to downstream consumers
// (approver UIs, audit pipelines).
type EventType string

const (
	EventRequestCreated EventType = "request.created"
	EventStateChanged   EventType = "request.state_changed"
	EventEscalated      EventType = "request.escalated"
)

// Event is the payload published on every oversight state change.
// Fire-and-forget: events are not part of the transactional boundary and are
// emitted only after persistence succeeds.
type Event struct {
	Type      EventType      `json:"type"`
	RequestID uuid.UUID      `json:"request_id"`
	Status    Status         `json:"status"`
	Priority  Priority       `json:"priority"`
	Reason    string         `json:"reason,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AuditEvent is an append-only record of a decision or transition, with actor
// attribution. Never updated or deleted.
type AuditEvent struct {
	ID        uuid.UUID      `json:"id"`
	RequestID uuid.UUID      `json:"request_id"`
	ActorID   string         `json:"actor_id"` // Approver ID, or "monitor"/"system".
	Action    string         `json:"action"`   // "decision.approve", "transition", ...
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
