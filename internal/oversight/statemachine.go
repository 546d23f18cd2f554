package oversight

import (
	"fmt"
	"time"

	"github.com/halcyonlabs/tradegate/internal/domain"
)

// validTransitions is the lifecycle table. Absent entries are invalid;
// terminal states have no successors.
var validTransitions = map[domain.Status]map[domain.Status]bool{
	domain.StatusPending: {
		domain.StatusEscalated: true,
		domain.StatusApproved:  true,
		domain.StatusRejected:  true,
		domain.StatusExpired:   true,
	},
	domain.StatusEscalated: {
		domain.StatusApproved: true,
		domain.StatusRejected: true,
		domain.StatusExpired:  true,
	},
	domain.StatusApproved: {
		domain.StatusExecuted: true,
		domain.StatusFailed:   true,
	},
}

// CanTransition reports whether the lifecycle admits from → to.
func CanTransition(from, to domain.Status) bool {
	return validTransitions[from][to]
}

// Transition moves the request to the target status and appends a history
// entry. A self-transition is an idempotent no-op: two racing workers driving
// the same change converge without error. An invalid transition leaves the
// request untouched.
func Transition(req *domain.OversightRequest, to domain.Status, reason string, now time.Time) error {
	if req.Status == to {
		return nil
	}
	if !CanTransition(req.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, req.Status, to)
	}
	req.StatusHistory = append(req.StatusHistory, domain.StatusChange{
		From:   req.Status,
		To:     to,
		Reason: reason,
		At:     now,
	})
	req.Status = to
	return nil
}

// noteEscalationStep appends a history entry for consuming an escalation
// level while already escalated, where the status itself does not change.
func noteEscalationStep(req *domain.OversightRequest, reason string, now time.Time) {
	req.StatusHistory = append(req.StatusHistory, domain.StatusChange{
		From:   req.Status,
		To:     domain.StatusEscalated,
		Reason: reason,
		At:     now,
	})
}
