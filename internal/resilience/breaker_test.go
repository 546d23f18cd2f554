package resilience

import (
	"testing"
	"time"
)

// newTestBreaker returns a breaker with a frozen, test-controlled clock.
func newTestBreaker(failures, successes int, cooldown time.Duration) (*Breaker, *time.Time) {
	b := NewBreaker("test", failures, successes, cooldown)
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }
	return b, &clock
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(3, 2, 30*time.Second)

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatalf("state after 2 failures = %s, want closed", b.State())
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state after 3 failures = %s, want open", b.State())
	}
	if b.Allow() {
		t.Errorf("open breaker admitted a call before cooldown")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, 2, 30*time.Second)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Errorf("state = %s; intermittent failures must not open the breaker", b.State())
	}
}

func TestBreaker_HalfOpenAfterCooldownThenCloses(t *testing.T) {
	b, clock := newTestBreaker(1, 2, 30*time.Second)

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}

	*clock = clock.Add(29 * time.Second)
	if b.Allow() {
		t.Fatalf("call admitted before cooldown elapsed")
	}

	*clock = clock.Add(2 * time.Second)
	if !b.Allow() {
		t.Fatalf("probe call rejected after cooldown")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half_open", b.State())
	}

	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Fatalf("closed after 1 probe success, want 2")
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed after probe successes", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(1, 2, 30*time.Second)

	b.RecordFailure()
	*clock = clock.Add(31 * time.Second)
	if !b.Allow() {
		t.Fatalf("probe rejected after cooldown")
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open after probe failure", b.State())
	}
	// The cooldown restarts from the probe failure.
	if b.Allow() {
		t.Errorf("call admitted immediately after reopening")
	}
	*clock = clock.Add(31 * time.Second)
	if !b.Allow() {
		t.Errorf("probe rejected after restarted cooldown")
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	b, clock := newTestBreaker(1, 1, 30*time.Second)

	type change struct{ from, to string }
	var changes []change
	b.OnStateChange(func(_, from, to string) {
		changes = append(changes, change{from, to})
	})

	b.RecordFailure()
	*clock = clock.Add(31 * time.Second)
	b.Allow()
	b.RecordSuccess()

	want := []change{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}
	if len(changes) != len(want) {
		t.Fatalf("transitions = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, changes[i], want[i])
		}
	}
}
