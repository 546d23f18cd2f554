// Package storage defines the persistence contracts for oversight requests.
// Three backends are provided: in-memory (tests, local development), SQLite
// (zero-config single node) and PostgreSQL (production).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonlabs/tradegate/internal/domain"
)

var (
	// ErrNotFound is returned when no request exists with the given ID.
	ErrNotFound = errors.New("oversight request not found")

	// ErrVersionConflict is returned when a versioned update races a
	// concurrent writer. Callers re-read and re-apply against fresh state;
	// the whole decision logic is re-run, not just the write, because
	// quorum counts depend on the full decision list.
	ErrVersionConflict = errors.New("request version conflict")
)

// RequestStore is the persistence contract for oversight requests.
// Implementations must enforce optimistic versioning: UpdateWithVersion
// succeeds only when the stored version equals expectedVersion, and
// increments the version on success.
type RequestStore interface {
	// Create persists a new request at version 1.
	Create(ctx context.Context, req *domain.OversightRequest) error
	// Get retrieves a request by ID. Returns ErrNotFound when absent.
	Get(ctx context.Context, id uuid.UUID) (*domain.OversightRequest, error)
	// UpdateWithVersion persists req only if the stored version equals
	// expectedVersion. On success the stored (and req's) version is
	// expectedVersion+1. Returns ErrVersionConflict on mismatch.
	UpdateWithVersion(ctx context.Context, req *domain.OversightRequest, expectedVersion int64) error
	// ListByStatus returns all non-archived requests in any of the given
	// statuses.
	ListByStatus(ctx context.Context, statuses ...domain.Status) ([]*domain.OversightRequest, error)
	// ArchiveTerminalBefore flags terminal requests whose last transition
	// predates cutoff as archived. Requests are never deleted.
	ArchiveTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditStore is the append-only audit trail. Entries are never updated or
// deleted.
type AuditStore interface {
	Append(ctx context.Context, event *domain.AuditEvent) error
	ListByRequest(ctx context.Context, requestID uuid.UUID) ([]*domain.AuditEvent, error)
}

// Store is the unified persistence entry point.
type Store interface {
	Requests() RequestStore
	Audit() AuditStore

	// Ping checks backend health for readiness probes.
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the backend name ("memory", "sqlite" or "postgres").
	Driver() string
}
