package resilience

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonlabs/tradegate/internal/config"
	"github.com/halcyonlabs/tradegate/internal/domain"
	"github.com/halcyonlabs/tradegate/internal/storage"
)

// flakyStore fails every call with err until healed.
type flakyStore struct {
	mu    sync.Mutex
	err   error
	gets  int
	sets  int
	lists int
}

func (f *flakyStore) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *flakyStore) Create(context.Context, *domain.OversightRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *flakyStore) Get(context.Context, uuid.UUID) (*domain.OversightRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.err != nil {
		return nil, f.err
	}
	return &domain.OversightRequest{ID: domain.NewID()}, nil
}

func (f *flakyStore) UpdateWithVersion(context.Context, *domain.OversightRequest, int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	return f.err
}

func (f *flakyStore) ListByStatus(context.Context, ...domain.Status) ([]*domain.OversightRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	return nil, f.err
}

func (f *flakyStore) ArchiveTerminalBefore(context.Context, time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return 0, f.err
}

func newTestStore(inner storage.RequestStore, cfg config.ResilienceConfig) *ResilientStore {
	return NewResilientStore(inner, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestResilientStore_OpenBreakerFailsFast(t *testing.T) {
	inner := &flakyStore{}
	inner.fail(errors.New("connection refused"))
	s := newTestStore(inner, config.ResilienceConfig{FailureThreshold: 2, ReadRetries: 0})

	ctx := context.Background()
	s.Create(ctx, &domain.OversightRequest{ID: domain.NewID()})
	s.Create(ctx, &domain.OversightRequest{ID: domain.NewID()})

	if s.Breaker().State() != StateOpen {
		t.Fatalf("breaker state = %s, want open", s.Breaker().State())
	}

	before := inner.gets
	_, err := s.Get(ctx, uuid.New())
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("error = %v, want ErrServiceUnavailable", err)
	}
	if inner.gets != before {
		t.Errorf("open breaker still reached the dependency")
	}
}

func TestResilientStore_ReadsRetriedWritesNot(t *testing.T) {
	inner := &flakyStore{}
	inner.fail(errors.New("connection reset"))
	// High failure threshold keeps the breaker closed for the whole test.
	s := newTestStore(inner, config.ResilienceConfig{FailureThreshold: 100, ReadRetries: 2})

	ctx := context.Background()

	if _, err := s.Get(ctx, uuid.New()); err == nil {
		t.Fatalf("expected read to fail")
	}
	if inner.gets != 3 {
		t.Errorf("read attempts = %d, want 3 (initial + 2 retries)", inner.gets)
	}

	if err := s.UpdateWithVersion(ctx, &domain.OversightRequest{ID: domain.NewID()}, 1); err == nil {
		t.Fatalf("expected write to fail")
	}
	if inner.sets != 1 {
		t.Errorf("write attempts = %d, want 1: a timed-out write may have committed", inner.sets)
	}
}

func TestResilientStore_DomainOutcomesDoNotTripBreaker(t *testing.T) {
	inner := &flakyStore{}
	s := newTestStore(inner, config.ResilienceConfig{FailureThreshold: 1, ReadRetries: 0})
	ctx := context.Background()

	inner.fail(storage.ErrNotFound)
	if _, err := s.Get(ctx, uuid.New()); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound passed through", err)
	}

	inner.fail(storage.ErrVersionConflict)
	if err := s.UpdateWithVersion(ctx, &domain.OversightRequest{ID: domain.NewID()}, 1); !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("error = %v, want ErrVersionConflict passed through", err)
	}

	if s.Breaker().State() != StateClosed {
		t.Errorf("breaker state = %s; domain outcomes must not count as failures", s.Breaker().State())
	}
}

func TestResilientStore_NotFoundNotRetried(t *testing.T) {
	inner := &flakyStore{}
	inner.fail(storage.ErrNotFound)
	s := newTestStore(inner, config.ResilienceConfig{FailureThreshold: 100, ReadRetries: 3})

	if _, err := s.Get(context.Background(), uuid.New()); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	if inner.gets != 1 {
		t.Errorf("read attempts = %d, want 1: not-found is a definitive answer", inner.gets)
	}
}

func TestResilientStore_RecoversAfterCooldown(t *testing.T) {
	inner := &flakyStore{}
	inner.fail(errors.New("connection refused"))
	s := newTestStore(inner, config.ResilienceConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		ReadRetries:      0,
	})

	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.Breaker().now = func() time.Time { return clock }

	ctx := context.Background()
	s.Get(ctx, uuid.New())
	if s.Breaker().State() != StateOpen {
		t.Fatalf("breaker state = %s, want open", s.Breaker().State())
	}

	inner.fail(nil)
	clock = clock.Add(31 * time.Second) // Past the default 30s cooldown.

	if _, err := s.Get(ctx, uuid.New()); err != nil {
		t.Fatalf("probe read failed: %v", err)
	}
	if s.Breaker().State() != StateClosed {
		t.Errorf("breaker state = %s, want closed after successful probe", s.Breaker().State())
	}
}
