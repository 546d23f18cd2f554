package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonlabs/tradegate/internal/domain"
)

func newRequest(status domain.Status) *domain.OversightRequest {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return &domain.OversightRequest{
		ID:        domain.NewID(),
		Status:    status,
		Priority:  domain.PriorityHigh,
		Approvers: []string{"alice", "bob"},
		CreatedAt: now,
		ExpiresAt: now.Add(12 * time.Hour),
	}
}

func TestMemoryRequests_CreateAndGet(t *testing.T) {
	store := NewMemoryStore().Requests()
	ctx := context.Background()

	req := newRequest(domain.StatusPending)
	if err := store.Create(ctx, req); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if req.Version != 1 {
		t.Errorf("version after create = %d, want 1", req.Version)
	}

	got, err := store.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != req.ID || got.Status != domain.StatusPending || got.Version != 1 {
		t.Errorf("Get = %+v", got)
	}

	// The store hands out clones: mutating the result must not leak back.
	got.Approvers[0] = "mallory"
	got.Status = domain.StatusApproved
	again, err := store.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if again.Approvers[0] != "alice" || again.Status != domain.StatusPending {
		t.Errorf("mutation of a returned clone leaked into the store: %+v", again)
	}

	if _, err := store.Get(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing ID error = %v, want ErrNotFound", err)
	}
}

func TestMemoryRequests_UpdateWithVersion(t *testing.T) {
	store := NewMemoryStore().Requests()
	ctx := context.Background()

	req := newRequest(domain.StatusPending)
	if err := store.Create(ctx, req); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Two readers at version 1; the second writer must conflict.
	first, _ := store.Get(ctx, req.ID)
	second, _ := store.Get(ctx, req.ID)

	first.Status = domain.StatusEscalated
	if err := store.UpdateWithVersion(ctx, first, first.Version); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if first.Version != 2 {
		t.Errorf("version after update = %d, want 2", first.Version)
	}

	second.Status = domain.StatusRejected
	if err := store.UpdateWithVersion(ctx, second, second.Version); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale update error = %v, want ErrVersionConflict", err)
	}

	got, _ := store.Get(ctx, req.ID)
	if got.Status != domain.StatusEscalated || got.Version != 2 {
		t.Errorf("stored state = %s v%d, want escalated v2", got.Status, got.Version)
	}

	missing := newRequest(domain.StatusPending)
	if err := store.UpdateWithVersion(ctx, missing, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("update of missing request error = %v, want ErrNotFound", err)
	}
}

func TestMemoryRequests_ListByStatus(t *testing.T) {
	store := NewMemoryStore().Requests()
	ctx := context.Background()

	pending := newRequest(domain.StatusPending)
	escalated := newRequest(domain.StatusEscalated)
	rejected := newRequest(domain.StatusRejected)
	archived := newRequest(domain.StatusPending)
	archived.Archived = true

	for _, r := range []*domain.OversightRequest{pending, escalated, rejected, archived} {
		if err := store.Create(ctx, r); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	open, err := store.ListByStatus(ctx, domain.StatusPending, domain.StatusEscalated)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("open count = %d, want 2 (archived and terminal excluded)", len(open))
	}
	for _, r := range open {
		if r.ID == rejected.ID || r.ID == archived.ID {
			t.Errorf("unexpected request %s in open set", r.ID)
		}
	}
}

func TestMemoryRequests_ArchiveTerminalBefore(t *testing.T) {
	store := NewMemoryStore().Requests()
	ctx := context.Background()
	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	oldTerminal := newRequest(domain.StatusRejected)
	oldTerminal.StatusHistory = []domain.StatusChange{{
		From: domain.StatusPending, To: domain.StatusRejected, At: cutoff.Add(-48 * time.Hour),
	}}
	freshTerminal := newRequest(domain.StatusExecuted)
	freshTerminal.StatusHistory = []domain.StatusChange{{
		From: domain.StatusApproved, To: domain.StatusExecuted, At: cutoff.Add(time.Hour),
	}}
	oldOpen := newRequest(domain.StatusPending)
	oldOpen.CreatedAt = cutoff.Add(-72 * time.Hour)

	for _, r := range []*domain.OversightRequest{oldTerminal, freshTerminal, oldOpen} {
		if err := store.Create(ctx, r); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	n, err := store.ArchiveTerminalBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("ArchiveTerminalBefore: %v", err)
	}
	if n != 1 {
		t.Fatalf("archived %d requests, want 1", n)
	}

	got, _ := store.Get(ctx, oldTerminal.ID)
	if !got.Archived {
		t.Errorf("old terminal request not archived")
	}
	if got, _ := store.Get(ctx, freshTerminal.ID); got.Archived {
		t.Errorf("fresh terminal request archived")
	}
	if got, _ := store.Get(ctx, oldOpen.ID); got.Archived {
		t.Errorf("open request archived despite non-terminal status")
	}
}

func TestMemoryAudit_AppendAndList(t *testing.T) {
	store := NewMemoryStore().Audit()
	ctx := context.Background()

	reqID := domain.NewID()
	otherID := domain.NewID()

	events := []*domain.AuditEvent{
		{ID: domain.NewID(), RequestID: reqID, ActorID: "alice", Action: "decision.approve"},
		{ID: domain.NewID(), RequestID: otherID, ActorID: "bob", Action: "decision.reject"},
		{ID: domain.NewID(), RequestID: reqID, ActorID: "monitor", Action: "transition"},
	}
	for _, ev := range events {
		if err := store.Append(ctx, ev); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := store.ListByRequest(ctx, reqID)
	if err != nil {
		t.Fatalf("ListByRequest: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("entries = %d, want 2", len(got))
	}
	if got[0].Action != "decision.approve" || got[1].Action != "transition" {
		t.Errorf("entries out of append order: %+v", got)
	}
}
