package oversight

import (
	"errors"
	"testing"
	"time"

	"github.com/halcyonlabs/tradegate/internal/domain"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to domain.Status
		want     bool
	}{
		{domain.StatusPending, domain.StatusEscalated, true},
		{domain.StatusPending, domain.StatusApproved, true},
		{domain.StatusPending, domain.StatusRejected, true},
		{domain.StatusPending, domain.StatusExpired, true},
		{domain.StatusPending, domain.StatusExecuted, false},
		{domain.StatusPending, domain.StatusFailed, false},
		{domain.StatusEscalated, domain.StatusApproved, true},
		{domain.StatusEscalated, domain.StatusRejected, true},
		{domain.StatusEscalated, domain.StatusExpired, true},
		{domain.StatusEscalated, domain.StatusPending, false},
		{domain.StatusApproved, domain.StatusExecuted, true},
		{domain.StatusApproved, domain.StatusFailed, true},
		{domain.StatusApproved, domain.StatusRejected, false},
		{domain.StatusRejected, domain.StatusApproved, false},
		{domain.StatusExpired, domain.StatusEscalated, false},
		{domain.StatusExecuted, domain.StatusFailed, false},
		{domain.StatusFailed, domain.StatusExecuted, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTransition_AppendsHistory(t *testing.T) {
	req := &domain.OversightRequest{Status: domain.StatusPending}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := Transition(req, domain.StatusEscalated, "window elapsed", now); err != nil {
		t.Fatalf("Transition returned error: %v", err)
	}
	if req.Status != domain.StatusEscalated {
		t.Errorf("status = %s, want escalated", req.Status)
	}
	if len(req.StatusHistory) != 1 {
		t.Fatalf("history length = %d, want 1", len(req.StatusHistory))
	}
	h := req.StatusHistory[0]
	if h.From != domain.StatusPending || h.To != domain.StatusEscalated {
		t.Errorf("history entry = %s -> %s, want pending -> escalated", h.From, h.To)
	}
	if h.Reason != "window elapsed" || !h.At.Equal(now) {
		t.Errorf("history entry reason/time = %q/%v", h.Reason, h.At)
	}
}

func TestTransition_SelfIsNoop(t *testing.T) {
	req := &domain.OversightRequest{Status: domain.StatusEscalated}

	if err := Transition(req, domain.StatusEscalated, "again", time.Now()); err != nil {
		t.Fatalf("self-transition returned error: %v", err)
	}
	if len(req.StatusHistory) != 0 {
		t.Errorf("self-transition appended history: %v", req.StatusHistory)
	}
}

func TestTransition_InvalidLeavesRequestUntouched(t *testing.T) {
	req := &domain.OversightRequest{Status: domain.StatusRejected}

	err := Transition(req, domain.StatusApproved, "nope", time.Now())
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("error = %v, want ErrInvalidTransition", err)
	}
	if req.Status != domain.StatusRejected {
		t.Errorf("status mutated to %s on invalid transition", req.Status)
	}
	if len(req.StatusHistory) != 0 {
		t.Errorf("history appended on invalid transition")
	}
}
