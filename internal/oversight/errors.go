package oversight

import "errors"

var (
	// ErrNotPending is returned when a decision arrives for a request that
	// already reached a terminal state.
	ErrNotPending = errors.New("request already resolved")

	// ErrExpired is returned when a decision arrives after the approval
	// window closed. The request is transitioned to expired as a side
	// effect.
	ErrExpired = errors.New("request expired")

	// ErrUnauthorized is returned when the actor is not in the request's
	// current approver set.
	ErrUnauthorized = errors.New("approver not authorized for request")

	// ErrDuplicateDecision is returned when an approver who already voted
	// submits again. The first decision stands.
	ErrDuplicateDecision = errors.New("approver already decided")

	// ErrInvalidTransition is returned for a state change the lifecycle
	// does not admit. The request is left untouched.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrPersistenceFailure is returned when a request could not be stored.
	// The proposed action stays blocked: an unpersisted request must never
	// let a trade through.
	ErrPersistenceFailure = errors.New("oversight request could not be persisted")
)
