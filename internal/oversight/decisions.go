package oversight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/halcyonlabs/tradegate/internal/domain"
)

// RecordDecision validates and applies one approver's verdict. The returned
// request is the authoritative current state, including when the decision is
// refused, so callers can render what actually holds.
//
// Resolution rules, applied in order after the decision is appended:
//   - a reject from a veto approver resolves the request rejected immediately
//   - approvals meeting the quorum resolve it approved
//   - rejections beyond the tolerance resolve it rejected
//   - otherwise the request stays open awaiting further decisions
func (s *Service) RecordDecision(ctx context.Context, id uuid.UUID, approverID string, kind domain.DecisionKind, reason string) (*domain.OversightRequest, error) {
	if kind != domain.DecisionApprove && kind != domain.DecisionReject {
		return nil, fmt.Errorf("unknown decision kind %q", kind)
	}

	var resolution string // Non-empty when this decision resolved the request.

	req, err := s.applyWithRetry(ctx, id, func(req *domain.OversightRequest) (bool, error) {
		resolution = ""

		if req.Status.Terminal() || req.Status == domain.StatusApproved {
			return false, fmt.Errorf("%w: status %s", ErrNotPending, req.Status)
		}

		now := s.now()

		// The window is checked lazily: a decision arriving after expiry
		// transitions the request and is then refused.
		if now.After(req.ExpiresAt) {
			if err := Transition(req, domain.StatusExpired, "approval window elapsed", now); err != nil {
				return false, err
			}
			req.FinalDecision = "expired: approval window elapsed"
			return true, ErrExpired
		}

		if !req.IsApprover(approverID) {
			return false, fmt.Errorf("%w: %s", ErrUnauthorized, approverID)
		}
		if prev := req.DecisionBy(approverID); prev != nil {
			return false, fmt.Errorf("%w: %s already voted %s", ErrDuplicateDecision, approverID, prev.Decision)
		}

		req.Decisions = append(req.Decisions, domain.Decision{
			ApproverID: approverID,
			Decision:   kind,
			Reason:     reason,
			CreatedAt:  now,
		})

		switch {
		case kind == domain.DecisionReject && req.IsVetoApprover(approverID):
			if err := Transition(req, domain.StatusRejected, "vetoed by "+approverID, now); err != nil {
				return false, err
			}
			req.FinalDecision = "vetoed by " + approverID
			resolution = "vetoed"

		case kind == domain.DecisionApprove && req.QuorumMet():
			if err := Transition(req, domain.StatusApproved, "approval quorum reached", now); err != nil {
				return false, err
			}
			req.FinalDecision = fmt.Sprintf("approved by quorum (%d/%d)", req.ApproveCount(), req.RequiredApprovals)
			resolution = "quorum"

		case kind == domain.DecisionReject && req.RejectCount() > req.MaxRejections:
			if err := Transition(req, domain.StatusRejected, "rejection tolerance exceeded", now); err != nil {
				return false, err
			}
			req.FinalDecision = fmt.Sprintf("rejected (%d rejections)", req.RejectCount())
			resolution = "rejections"
		}

		return true, nil
	})
	if err != nil {
		// The expiry side effect persisted; everything else left no trace.
		if req != nil && req.Status == domain.StatusExpired && errors.Is(err, ErrExpired) {
			s.finalizeResolution(ctx, req, approverID, "approval window elapsed")
		}
		return req, err
	}

	s.logger.Info("decision recorded",
		slog.String("request_id", id.String()),
		slog.String("approver", approverID),
		slog.String("decision", string(kind)),
		slog.String("status", string(req.Status)),
	)
	if s.metrics != nil {
		s.metrics.DecisionsTotal.WithLabelValues(string(kind)).Inc()
	}
	s.appendAudit(ctx, id, approverID, "decision."+string(kind), map[string]any{
		"reason": reason, "status": string(req.Status),
	})

	if resolution != "" {
		s.finalizeResolution(ctx, req, approverID, req.FinalDecision)
		if req.Status == domain.StatusApproved {
			s.startExecution(req)
		}
	} else {
		s.publish(domain.EventStateChanged, req, "decision recorded")
	}

	return req, nil
}
