// Package resilience wraps remote persistence calls with a circuit breaker,
// per-call timeouts and bounded retries for idempotent reads.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrServiceUnavailable is returned without touching the dependency while the
// breaker is open. Callers see it in near-zero time instead of waiting out a
// connection timeout.
var ErrServiceUnavailable = errors.New("service unavailable: circuit breaker open")

// Breaker states.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// Breaker is a three-state circuit breaker. Consecutive failures open it;
// after a cooldown it admits probe calls, and consecutive probe successes
// close it again. A single probe failure reopens it and restarts the
// cooldown. State is guarded by a plain mutex: transitions are simple and the
// hot path is one lock per call.
type Breaker struct {
	name             string
	failureThreshold int
	successThreshold int
	cooldown         time.Duration

	now func() time.Time // Injectable for tests.

	mu        sync.Mutex
	state     string
	failures  int
	successes int
	openedAt  time.Time

	onStateChange func(name, from, to string)
}

// NewBreaker creates a Breaker in the closed state.
func NewBreaker(name string, failureThreshold, successThreshold int, cooldown time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if successThreshold <= 0 {
		successThreshold = 2
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		cooldown:         cooldown,
		now:              time.Now,
		state:            StateClosed,
	}
}

// OnStateChange registers a callback invoked on every transition, used to
// keep the breaker-state gauge current.
func (b *Breaker) OnStateChange(fn func(name, from, to string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Allow reports whether a call may proceed. In the open state it flips to
// half-open once the cooldown has elapsed; otherwise the call is rejected
// outright.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.transition(StateHalfOpen)
			b.successes = 0
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess feeds a successful call into the state machine.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.transition(StateClosed)
			b.failures = 0
			b.successes = 0
		}
	}
}

// RecordFailure feeds a failed call into the state machine.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.transition(StateOpen)
			b.openedAt = b.now()
		}
	case StateHalfOpen:
		// One probe failure reopens and restarts the cooldown.
		b.transition(StateOpen)
		b.openedAt = b.now()
		b.successes = 0
	}
}

// State returns the current state name.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Name returns the protected dependency's name.
func (b *Breaker) Name() string { return b.name }

// transition must be called with the mutex held.
func (b *Breaker) transition(to string) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}
