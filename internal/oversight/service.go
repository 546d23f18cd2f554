// Package oversight implements the request lifecycle: creation through policy
// evaluation, approver decisions, escalation, expiry and execution.
package oversight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonlabs/tradegate/internal/config"
	"github.com/halcyonlabs/tradegate/internal/domain"
	"github.com/halcyonlabs/tradegate/internal/events"
	"github.com/halcyonlabs/tradegate/internal/observability"
	"github.com/halcyonlabs/tradegate/internal/policy"
	"github.com/halcyonlabs/tradegate/internal/storage"
)

// maxApplyAttempts bounds version-conflict retries on a single mutation.
const maxApplyAttempts = 5

// Notifier delivers oversight notifications to approvers. Implementations
// must be safe for concurrent use; the service calls them fire-and-forget.
type Notifier interface {
	NotifyCreated(ctx context.Context, req *domain.OversightRequest)
	NotifyEscalated(ctx context.Context, req *domain.OversightRequest, reason string)
	NotifyResolved(ctx context.Context, req *domain.OversightRequest)
}

// ExecutionCallback hands an approved action to the execution venue.
type ExecutionCallback interface {
	Execute(ctx context.Context, req *domain.OversightRequest) (*domain.ExecutionOutcome, error)
}

// ServiceParams wires the service's collaborators. Notifier, Executor and
// Metrics may be nil.
type ServiceParams struct {
	Store     storage.RequestStore
	Audit     storage.AuditStore
	Evaluator *policy.Evaluator
	Selector  *policy.Selector
	Bus       *events.Bus
	Notifier  Notifier
	Executor  ExecutionCallback
	Metrics   *observability.MetricsCollector
	Policy    *config.PolicyConfig
	Execution config.ExecutionConfig
	Logger    *slog.Logger
}

// Service is the oversight engine core. All mutations flow through the
// versioned store; on a version conflict the whole operation re-reads and
// re-applies against fresh state, never just the write.
type Service struct {
	store    storage.RequestStore
	audit    storage.AuditStore
	eval     *policy.Evaluator
	selector *policy.Selector
	bus      *events.Bus
	notifier Notifier
	executor ExecutionCallback
	metrics  *observability.MetricsCollector
	policy   *config.PolicyConfig
	execCfg  config.ExecutionConfig
	logger   *slog.Logger

	now func() time.Time // Injectable for tests.

	wg sync.WaitGroup // Tracks async execution goroutines.
}

// NewService creates the oversight service.
func NewService(p ServiceParams) *Service {
	return &Service{
		store:    p.Store,
		audit:    p.Audit,
		eval:     p.Evaluator,
		selector: p.Selector,
		bus:      p.Bus,
		notifier: p.Notifier,
		executor: p.Executor,
		metrics:  p.Metrics,
		policy:   p.Policy,
		execCfg:  p.Execution,
		logger:   p.Logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateResult is the outcome of submitting a proposed action.
type CreateResult struct {
	Required   bool                      // False: no triggers fired, action may proceed.
	Evaluation policy.Decision           // Always populated, for audit.
	Request    *domain.OversightRequest  // Set only when Required.
}

// CreateRequest evaluates a proposed action and, when policy triggers fire,
// creates a pending oversight request. Persistence failure blocks the action:
// a request that could not be stored never lets a trade through.
func (s *Service) CreateRequest(ctx context.Context, action domain.ProposedAction, agent domain.AgentSnapshot, portfolio domain.PortfolioSnapshot, market policy.MarketContext) (*CreateResult, error) {
	eval := s.eval.Evaluate(action, agent, portfolio, market)

	if s.metrics != nil {
		for _, t := range eval.Risk.Triggers {
			s.metrics.TriggersFiredTotal.WithLabelValues(string(t.Type), string(t.Severity)).Inc()
		}
	}

	if !eval.Required {
		s.logger.Debug("action passed policy without oversight",
			slog.String("action_id", action.ID),
			slog.String("agent_id", agent.AgentID),
			slog.Float64("risk_score", eval.Risk.Score),
		)
		return &CreateResult{Required: false, Evaluation: eval}, nil
	}

	sel, err := s.selector.Select(eval.Risk.Triggers)
	if err != nil {
		return nil, fmt.Errorf("selecting approvers: %w", err)
	}

	now := s.now()
	req := &domain.OversightRequest{
		ID:       domain.NewID(),
		Status:   domain.StatusPending,
		Priority: eval.Priority,
		Context: domain.ContextSnapshot{
			Action:     action,
			Portfolio:  portfolio,
			Agent:      agent,
			Risk:       eval.Risk,
			CapturedAt: now,
		},
		Approvers:         sel.Approvers,
		VetoApprovers:     sel.VetoApprovers,
		RequiredApprovals: s.policy.RequiredFor(eval.Priority),
		MaxRejections:     s.policy.MaxRejectionsFor(eval.Priority),
		EscalationPath:    s.buildEscalationPath(),
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.policy.TimeoutFor(eval.Priority)),
	}

	if err := s.store.Create(ctx, req); err != nil {
		s.logger.Error("failed to persist oversight request",
			slog.String("action_id", action.ID),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}

	s.logger.Info("oversight request created",
		slog.String("request_id", req.ID.String()),
		slog.String("agent_id", agent.AgentID),
		slog.String("priority", string(req.Priority)),
		slog.Int("triggers", len(eval.Risk.Triggers)),
		slog.Int("approvers", len(req.Approvers)),
	)

	if s.metrics != nil {
		s.metrics.RequestsCreatedTotal.WithLabelValues(string(req.Priority)).Inc()
		s.metrics.PendingRequests.Inc()
	}

	s.appendAudit(ctx, req.ID, agent.AgentID, "request.created", map[string]any{
		"priority": string(req.Priority),
		"triggers": len(eval.Risk.Triggers),
	})
	s.publish(domain.EventRequestCreated, req, eval.Reason)

	if s.notifier != nil {
		go s.notifier.NotifyCreated(context.WithoutCancel(ctx), req)
	}

	return &CreateResult{Required: true, Evaluation: eval, Request: req}, nil
}

// buildEscalationPath resolves configured escalation levels into concrete
// approver sets. The path is fixed at creation; the cursor tracks consumption.
func (s *Service) buildEscalationPath() []domain.EscalationLevel {
	path := make([]domain.EscalationLevel, 0, len(s.policy.EscalationLevels))
	for i, lvl := range s.policy.EscalationLevels {
		timeout := time.Duration(lvl.TimeoutMinutes) * time.Minute
		if timeout <= 0 {
			timeout = time.Hour
		}
		path = append(path, domain.EscalationLevel{
			Level:     i + 1,
			Approvers: s.selector.ResolveRoles(lvl.Roles),
			Timeout:   timeout,
		})
	}
	return path
}

// GetRequest retrieves a request by ID.
func (s *Service) GetRequest(ctx context.Context, id uuid.UUID) (*domain.OversightRequest, error) {
	return s.store.Get(ctx, id)
}

// ListByStatus returns non-archived requests in the given statuses.
func (s *Service) ListByStatus(ctx context.Context, statuses ...domain.Status) ([]*domain.OversightRequest, error) {
	return s.store.ListByStatus(ctx, statuses...)
}

// AuditTrail returns the audit trail for a request.
func (s *Service) AuditTrail(ctx context.Context, id uuid.UUID) ([]*domain.AuditEvent, error) {
	return s.audit.ListByRequest(ctx, id)
}

// EscalateNext consumes the next escalation level: the approver set is
// replaced, the window extended, and the request moves to (or stays in)
// escalated. An exhausted path expires the request instead. Terminal requests
// are left untouched.
func (s *Service) EscalateNext(ctx context.Context, id uuid.UUID, cause, reason string) (*domain.OversightRequest, error) {
	return s.escalate(ctx, id, cause, reason, true)
}

// EscalateProactively consumes the next level ahead of the deadline. Unlike a
// timeout escalation it keeps ExpiresAt: the request gains visibility and a
// fresh approver set, not more time.
func (s *Service) EscalateProactively(ctx context.Context, id uuid.UUID, reason string) (*domain.OversightRequest, error) {
	return s.escalate(ctx, id, "proactive", reason, false)
}

func (s *Service) escalate(ctx context.Context, id uuid.UUID, cause, reason string, extendWindow bool) (*domain.OversightRequest, error) {
	var escalated, expired bool
	req, err := s.applyWithRetry(ctx, id, func(req *domain.OversightRequest) (bool, error) {
		escalated, expired = false, false
		if req.Status.Terminal() || req.Status == domain.StatusApproved {
			return false, nil
		}

		level := req.NextEscalationLevel()
		if level == nil {
			if err := Transition(req, domain.StatusExpired, "escalation path exhausted: "+reason, s.now()); err != nil {
				return false, err
			}
			req.FinalDecision = "expired: escalation path exhausted"
			expired = true
			return true, nil
		}

		now := s.now()
		if req.Status == domain.StatusPending {
			if err := Transition(req, domain.StatusEscalated, reason, now); err != nil {
				return false, err
			}
		} else {
			noteEscalationStep(req, reason, now)
		}

		req.Approvers = level.Approvers
		req.VetoApprovers = s.selector.VetoAmong(level.Approvers)
		req.EscalationCursor++
		if extendWindow {
			req.ExpiresAt = now.Add(level.Timeout)
		}
		escalated = true
		return true, nil
	})
	if err != nil {
		return req, err
	}

	if escalated {
		s.logger.Info("request escalated",
			slog.String("request_id", id.String()),
			slog.String("cause", cause),
			slog.Int("level", req.EscalationCursor),
		)
		if s.metrics != nil {
			s.metrics.EscalationsTotal.WithLabelValues(cause).Inc()
		}
		s.appendAudit(ctx, id, "monitor", "escalation", map[string]any{
			"cause": cause, "level": req.EscalationCursor,
		})
		s.publish(domain.EventEscalated, req, reason)
		if s.notifier != nil {
			go s.notifier.NotifyEscalated(context.WithoutCancel(ctx), req, reason)
		}
	} else if expired {
		s.finalizeResolution(ctx, req, "monitor", reason)
	}
	return req, nil
}

// EscalateToEmergency routes the request to the emergency backup set with a
// short forced window, bypassing the remaining configured path.
func (s *Service) EscalateToEmergency(ctx context.Context, id uuid.UUID, window time.Duration, reason string) (*domain.OversightRequest, error) {
	sel, err := s.selector.EmergencySelection()
	if err != nil {
		return nil, err
	}

	req, err := s.applyWithRetry(ctx, id, func(req *domain.OversightRequest) (bool, error) {
		if req.Status.Terminal() || req.Status == domain.StatusApproved {
			return false, nil
		}
		now := s.now()
		if req.Status == domain.StatusPending {
			if err := Transition(req, domain.StatusEscalated, reason, now); err != nil {
				return false, err
			}
		} else {
			noteEscalationStep(req, reason, now)
		}
		req.Approvers = sel.Approvers
		req.VetoApprovers = sel.VetoApprovers
		req.ExpiresAt = now.Add(window)
		return true, nil
	})
	if err != nil {
		return req, err
	}

	if req.Status == domain.StatusEscalated {
		if s.metrics != nil {
			s.metrics.EscalationsTotal.WithLabelValues("emergency").Inc()
		}
		s.appendAudit(ctx, id, "monitor", "escalation.emergency", map[string]any{"reason": reason})
		s.publish(domain.EventEscalated, req, reason)
		if s.notifier != nil {
			go s.notifier.NotifyEscalated(context.WithoutCancel(ctx), req, reason)
		}
	}
	return req, nil
}

// ResolveOnTimeout applies a timeout policy verdict (auto-reject or
// auto-approve). Terminal requests are left untouched.
func (s *Service) ResolveOnTimeout(ctx context.Context, id uuid.UUID, to domain.Status, reason string) (*domain.OversightRequest, error) {
	var applied bool
	req, err := s.applyWithRetry(ctx, id, func(req *domain.OversightRequest) (bool, error) {
		applied = false
		if req.Status.Terminal() || req.Status == domain.StatusApproved {
			return false, nil
		}
		if err := Transition(req, to, reason, s.now()); err != nil {
			return false, err
		}
		req.FinalDecision = reason
		applied = true
		return true, nil
	})
	if err != nil {
		return req, err
	}

	if applied {
		s.finalizeResolution(ctx, req, "monitor", reason)
		if to == domain.StatusApproved {
			s.startExecution(req)
		}
	}
	return req, nil
}

// applyWithRetry runs a read-mutate-write cycle against the versioned store.
// On a version conflict the whole mutation re-runs against fresh state, so
// decisions recorded by the racing writer are seen before this one applies.
// The mutate func returns whether a write is needed; it may also return an
// error alongside write=true when a side-effect transition (expiry on access)
// must persist even though the caller's operation failed.
func (s *Service) applyWithRetry(ctx context.Context, id uuid.UUID, mutate func(*domain.OversightRequest) (bool, error)) (*domain.OversightRequest, error) {
	var lastErr error
	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		req, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		prev := req.Status
		write, opErr := mutate(req)
		if !write {
			return req, opErr
		}

		if err := s.store.UpdateWithVersion(ctx, req, req.Version); err != nil {
			if errors.Is(err, storage.ErrVersionConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		if s.metrics != nil && req.Status != prev {
			s.metrics.TransitionsTotal.WithLabelValues(string(prev), string(req.Status)).Inc()
		}
		return req, opErr
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", maxApplyAttempts, lastErr)
}

// finalizeResolution emits the audit entry, event, metrics and notification
// for a request that just reached a resolved state.
func (s *Service) finalizeResolution(ctx context.Context, req *domain.OversightRequest, actorID, reason string) {
	s.logger.Info("request resolved",
		slog.String("request_id", req.ID.String()),
		slog.String("status", string(req.Status)),
		slog.String("reason", reason),
	)
	if s.metrics != nil {
		s.metrics.PendingRequests.Dec()
		s.metrics.ResolutionDuration.
			WithLabelValues(string(req.Status)).
			Observe(s.now().Sub(req.CreatedAt).Seconds())
	}
	s.appendAudit(ctx, req.ID, actorID, "transition", map[string]any{
		"to": string(req.Status), "reason": reason,
	})
	s.publish(domain.EventStateChanged, req, reason)
	if s.notifier != nil {
		go s.notifier.NotifyResolved(context.WithoutCancel(ctx), req)
	}
}

// startExecution hands an approved request to the execution callback in the
// background and records the outcome. Without a callback the request stays
// approved for an external system to pick up.
func (s *Service) startExecution(req *domain.OversightRequest) {
	if s.executor == nil {
		s.logger.Debug("no execution callback configured", slog.String("request_id", req.ID.String()))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.execCfg.Timeout())
		defer cancel()

		started := s.now()
		outcome, execErr := s.executor.Execute(ctx, req)
		elapsed := s.now().Sub(started)

		if s.metrics != nil {
			s.metrics.ExecutionDuration.Observe(elapsed.Seconds())
		}

		result := &domain.ExecutionResult{CompletedAt: s.now()}
		to := domain.StatusExecuted
		reason := "execution completed"
		if execErr != nil {
			to = domain.StatusFailed
			reason = "execution failed"
			result.Error = execErr.Error()
		} else {
			result.Success = true
			if outcome != nil {
				result.OrderID = outcome.OrderID
				result.Detail = outcome.Detail
			}
		}

		final, err := s.applyWithRetry(ctx, req.ID, func(r *domain.OversightRequest) (bool, error) {
			if r.Status != domain.StatusApproved {
				return false, nil
			}
			if err := Transition(r, to, reason, s.now()); err != nil {
				return false, err
			}
			r.ExecutionResult = result
			return true, nil
		})
		if err != nil {
			s.logger.Error("failed to record execution outcome",
				slog.String("request_id", req.ID.String()),
				slog.Any("error", err),
			)
			return
		}

		if s.metrics != nil {
			s.metrics.ExecutionsTotal.WithLabelValues(string(to)).Inc()
		}
		s.appendAudit(ctx, req.ID, "system", "execution", map[string]any{
			"status": string(to), "order_id": result.OrderID,
		})
		s.publish(domain.EventStateChanged, final, reason)
	}()
}

// Wait blocks until in-flight execution goroutines finish. Used on shutdown.
func (s *Service) Wait() { s.wg.Wait() }

func (s *Service) appendAudit(ctx context.Context, requestID uuid.UUID, actorID, action string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	ev := &domain.AuditEvent{
		ID:        domain.NewID(),
		RequestID: requestID,
		ActorID:   actorID,
		Action:    action,
		Detail:    detail,
		CreatedAt: s.now(),
	}
	if err := s.audit.Append(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn("failed to append audit event",
			slog.String("request_id", requestID.String()),
			slog.String("action", action),
			slog.Any("error", err),
		)
	}
}

func (s *Service) publish(t domain.EventType, req *domain.OversightRequest, reason string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(domain.Event{
		Type:      t,
		RequestID: req.ID,
		Status:    req.Status,
		Priority:  req.Priority,
		Reason:    reason,
		Timestamp: s.now(),
	})
}
