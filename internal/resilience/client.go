package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonlabs/tradegate/internal/config"
	"github.com/halcyonlabs/tradegate/internal/domain"
	"github.com/halcyonlabs/tradegate/internal/storage"
)

// ResilientStore wraps a storage.RequestStore with the breaker, a per-call
// timeout, and bounded retries for idempotent reads. Writes are never
// retried: a timed-out write may have committed, and replaying it would
// double-apply. The optimistic version check upstream handles that ambiguity
// instead.
type ResilientStore struct {
	inner       storage.RequestStore
	breaker     *Breaker
	callTimeout time.Duration
	readRetries int
	logger      *slog.Logger
}

// NewResilientStore wraps inner with resilience controls from cfg.
func NewResilientStore(inner storage.RequestStore, cfg config.ResilienceConfig, logger *slog.Logger) *ResilientStore {
	return &ResilientStore{
		inner:       inner,
		breaker:     NewBreaker("request_store", cfg.Failures(), cfg.Successes(), cfg.Cooldown()),
		callTimeout: cfg.CallTimeout(),
		readRetries: cfg.Retries(),
		logger:      logger,
	}
}

// Breaker exposes the underlying breaker for metrics wiring.
func (s *ResilientStore) Breaker() *Breaker { return s.breaker }

// call runs fn through the breaker with a per-call deadline. Version
// conflicts and not-found results are domain outcomes, not dependency
// failures; they never trip the breaker.
func (s *ResilientStore) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if !s.breaker.Allow() {
		return fmt.Errorf("%s: %w", op, ErrServiceUnavailable)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	err := fn(callCtx)
	switch {
	case err == nil:
		s.breaker.RecordSuccess()
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrVersionConflict):
		s.breaker.RecordSuccess()
	default:
		s.breaker.RecordFailure()
		s.logger.Warn("store call failed",
			slog.String("op", op),
			slog.String("breaker_state", s.breaker.State()),
			slog.Any("error", err),
		)
	}
	return err
}

// callWithRetry retries idempotent reads with a short linear backoff. Breaker
// rejections are not retried; the cooldown exists to shed load.
func (s *ResilientStore) callWithRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= s.readRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
		err = s.call(ctx, op, fn)
		if err == nil ||
			errors.Is(err, ErrServiceUnavailable) ||
			errors.Is(err, storage.ErrNotFound) ||
			errors.Is(err, storage.ErrVersionConflict) {
			return err
		}
	}
	return err
}

func (s *ResilientStore) Create(ctx context.Context, req *domain.OversightRequest) error {
	return s.call(ctx, "create", func(ctx context.Context) error {
		return s.inner.Create(ctx, req)
	})
}

func (s *ResilientStore) Get(ctx context.Context, id uuid.UUID) (*domain.OversightRequest, error) {
	var out *domain.OversightRequest
	err := s.callWithRetry(ctx, "get", func(ctx context.Context) error {
		var err error
		out, err = s.inner.Get(ctx, id)
		return err
	})
	return out, err
}

func (s *ResilientStore) UpdateWithVersion(ctx context.Context, req *domain.OversightRequest, expectedVersion int64) error {
	return s.call(ctx, "update", func(ctx context.Context) error {
		return s.inner.UpdateWithVersion(ctx, req, expectedVersion)
	})
}

func (s *ResilientStore) ListByStatus(ctx context.Context, statuses ...domain.Status) ([]*domain.OversightRequest, error) {
	var out []*domain.OversightRequest
	err := s.callWithRetry(ctx, "list", func(ctx context.Context) error {
		var err error
		out, err = s.inner.ListByStatus(ctx, statuses...)
		return err
	})
	return out, err
}

func (s *ResilientStore) ArchiveTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.call(ctx, "archive", func(ctx context.Context) error {
		var err error
		n, err = s.inner.ArchiveTerminalBefore(ctx, cutoff)
		return err
	})
	return n, err
}

var _ storage.RequestStore = (*ResilientStore)(nil)
