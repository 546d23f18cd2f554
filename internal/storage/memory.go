package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonlabs/tradegate/internal/domain"
)

// MemoryStore is an in-memory Store. Thread-safe. Hands out deep copies so
// callers never observe in-flight mutations of shared state.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[uuid.UUID]*domain.OversightRequest
	audit    []*domain.AuditEvent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[uuid.UUID]*domain.OversightRequest),
	}
}

// Requests returns the request sub-store.
func (s *MemoryStore) Requests() RequestStore { return (*memoryRequests)(s) }

// Audit returns the audit sub-store.
func (s *MemoryStore) Audit() AuditStore { return (*memoryAudit)(s) }

// Ping always succeeds for the in-memory backend.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op for the in-memory backend.
func (s *MemoryStore) Close() error { return nil }

// Driver returns "memory".
func (s *MemoryStore) Driver() string { return "memory" }

type memoryRequests MemoryStore

func (m *memoryRequests) Create(_ context.Context, req *domain.OversightRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req.Version = 1
	m.requests[req.ID] = req.Clone()
	return nil
}

func (m *memoryRequests) Get(_ context.Context, id uuid.UUID) (*domain.OversightRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	req, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return req.Clone(), nil
}

func (m *memoryRequests) UpdateWithVersion(_ context.Context, req *domain.OversightRequest, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.requests[req.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != expectedVersion {
		return ErrVersionConflict
	}

	req.Version = expectedVersion + 1
	m.requests[req.ID] = req.Clone()
	return nil
}

func (m *memoryRequests) ListByStatus(_ context.Context, statuses ...domain.Status) ([]*domain.OversightRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[domain.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var out []*domain.OversightRequest
	for _, req := range m.requests {
		if req.Archived || !want[req.Status] {
			continue
		}
		out = append(out, req.Clone())
	}
	return out, nil
}

func (m *memoryRequests) ArchiveTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, req := range m.requests {
		if req.Archived || !req.Status.Terminal() {
			continue
		}
		last := req.CreatedAt
		if len(req.StatusHistory) > 0 {
			last = req.StatusHistory[len(req.StatusHistory)-1].At
		}
		if last.Before(cutoff) {
			req.Archived = true
			req.Version++
			n++
		}
	}
	return n, nil
}

type memoryAudit MemoryStore

func (m *memoryAudit) Append(_ context.Context, event *domain.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *event
	m.audit = append(m.audit, &cp)
	return nil
}

func (m *memoryAudit) ListByRequest(_ context.Context, requestID uuid.UUID) ([]*domain.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.AuditEvent
	for _, ev := range m.audit {
		if ev.RequestID == requestID {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}
