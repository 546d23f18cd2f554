package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/halcyonlabs/tradegate/internal/domain"
	"github.com/halcyonlabs/tradegate/internal/oversight"
	"github.com/halcyonlabs/tradegate/internal/policy"
	"github.com/halcyonlabs/tradegate/internal/ratelimit"
	"github.com/halcyonlabs/tradegate/internal/resilience"
	"github.com/halcyonlabs/tradegate/internal/storage"
)

// SubmitRequest is the JSON body for POST /v1/requests.
type SubmitRequest struct {
	Action    domain.ProposedAction    `json:"action"`
	Agent     domain.AgentSnapshot     `json:"agent"`
	Portfolio domain.PortfolioSnapshot `json:"portfolio"`
	Market    policy.MarketContext     `json:"market"`
}

// SubmitResponse is returned when no oversight is required and the action may
// proceed immediately.
type SubmitResponse struct {
	OversightRequired bool                  `json:"oversight_required"`
	Reason            string                `json:"reason,omitempty"`
	RiskScore         float64               `json:"risk_score"`
	Request           *RequestResponse      `json:"request,omitempty"`
	Triggers          []domain.Trigger      `json:"triggers,omitempty"`
}

// DecisionRequest is the JSON body for POST /v1/requests/{id}/decisions.
type DecisionRequest struct {
	Decision string `json:"decision"` // "approve" or "reject".
	Reason   string `json:"reason,omitempty"`
}

// RequestResponse is the API view of an oversight request.
type RequestResponse struct {
	ID                string                  `json:"id"`
	Status            string                  `json:"status"`
	Priority          string                  `json:"priority"`
	Context           domain.ContextSnapshot  `json:"context"`
	Approvers         []string                `json:"approvers"`
	VetoApprovers     []string                `json:"veto_approvers,omitempty"`
	RequiredApprovals int                     `json:"required_approvals"`
	Decisions         []domain.Decision       `json:"decisions,omitempty"`
	EscalationLevel   int                     `json:"escalation_level"`
	CreatedAt         time.Time               `json:"created_at"`
	ExpiresAt         time.Time               `json:"expires_at"`
	StatusHistory     []domain.StatusChange   `json:"status_history,omitempty"`
	FinalDecision     string                  `json:"final_decision,omitempty"`
	ExecutionResult   *domain.ExecutionResult `json:"execution_result,omitempty"`
}

// AuditEntry is the API view of an audit event.
type AuditEntry struct {
	ID        string         `json:"id"`
	ActorID   string         `json:"actor_id"`
	Action    string         `json:"action"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func toRequestResponse(req *domain.OversightRequest) *RequestResponse {
	if req == nil {
		return nil
	}
	return &RequestResponse{
		ID:                req.ID.String(),
		Status:            string(req.Status),
		Priority:          string(req.Priority),
		Context:           req.Context,
		Approvers:         req.Approvers,
		VetoApprovers:     req.VetoApprovers,
		RequiredApprovals: req.RequiredApprovals,
		Decisions:         req.Decisions,
		EscalationLevel:   req.EscalationCursor,
		CreatedAt:         req.CreatedAt,
		ExpiresAt:         req.ExpiresAt,
		StatusHistory:     req.StatusHistory,
		FinalDecision:     req.FinalDecision,
		ExecutionResult:   req.ExecutionResult,
	}
}

// handleSubmit evaluates a proposed trading action. Returns 200 when no
// oversight is required, 201 with the pending request when it is.
func (g *Gateway) handleSubmit(c *okapi.Context) error {
	var body SubmitRequest
	if err := c.Bind(&body); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}
	if body.Action.ID == "" || body.Action.Symbol == "" {
		return c.AbortBadRequest("action.id and action.symbol are required")
	}
	if body.Action.AmountUSD < 0 || body.Action.Quantity < 0 {
		return c.AbortBadRequest("action amounts must be non-negative")
	}

	correlationID := newCorrelationID()
	g.logger.Info("action submitted",
		slog.String("correlation_id", correlationID),
		slog.String("action_id", body.Action.ID),
		slog.String("agent_id", body.Agent.AgentID),
		slog.String("symbol", body.Action.Symbol),
	)

	res, err := g.svc.CreateRequest(c.Context(), body.Action, body.Agent, body.Portfolio, body.Market)
	if err != nil {
		return g.abortServiceError(c, err)
	}

	if !res.Required {
		return c.OK(&SubmitResponse{
			OversightRequired: false,
			Reason:            res.Evaluation.Reason,
			RiskScore:         res.Evaluation.Risk.Score,
		})
	}

	return c.JSON(http.StatusCreated, &SubmitResponse{
		OversightRequired: true,
		Reason:            res.Evaluation.Reason,
		RiskScore:         res.Evaluation.Risk.Score,
		Triggers:          res.Evaluation.Risk.Triggers,
		Request:           toRequestResponse(res.Request),
	})
}

// handleDecision records an approve or reject decision. Error responses carry
// the authoritative request state so callers can reconcile.
func (g *Gateway) handleDecision(c *okapi.Context) error {
	actorID := c.GetString("actorID")
	if actorID == "" {
		return c.AbortUnauthorized("unauthenticated")
	}

	if g.limiter != nil {
		if err := g.limiter.Allow(actorID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded, slow down")
		}
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid request id")
	}

	var body DecisionRequest
	if err := c.Bind(&body); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}

	kind := domain.DecisionKind(body.Decision)
	if kind != domain.DecisionApprove && kind != domain.DecisionReject {
		return c.AbortBadRequest("decision must be \"approve\" or \"reject\"")
	}

	req, err := g.svc.RecordDecision(c.Context(), id, actorID, kind, body.Reason)
	if err != nil {
		return g.abortDecisionError(c, err, req)
	}

	return c.OK(toRequestResponse(req))
}

// handleGet returns a single oversight request.
func (g *Gateway) handleGet(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid request id")
	}

	req, err := g.svc.GetRequest(c.Context(), id)
	if err != nil {
		return g.abortServiceError(c, err)
	}
	return c.OK(toRequestResponse(req))
}

// handleList returns non-archived requests filtered by status. Defaults to
// the open set (pending, escalated).
func (g *Gateway) handleList(c *okapi.Context) error {
	raw := c.Request().URL.Query().Get("status")
	statuses := []domain.Status{domain.StatusPending, domain.StatusEscalated}
	if raw != "" {
		statuses = statuses[:0]
		for _, s := range strings.Split(raw, ",") {
			statuses = append(statuses, domain.Status(strings.TrimSpace(s)))
		}
	}

	reqs, err := g.svc.ListByStatus(c.Context(), statuses...)
	if err != nil {
		return g.abortServiceError(c, err)
	}

	out := make([]*RequestResponse, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, toRequestResponse(r))
	}
	return c.OK(out)
}

// handleAudit returns the append-only audit trail of a request.
func (g *Gateway) handleAudit(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid request id")
	}

	if _, err := g.svc.GetRequest(c.Context(), id); err != nil {
		return g.abortServiceError(c, err)
	}

	evs, err := g.svc.AuditTrail(c.Context(), id)
	if err != nil {
		return g.abortServiceError(c, err)
	}

	out := make([]*AuditEntry, 0, len(evs))
	for _, ev := range evs {
		out = append(out, &AuditEntry{
			ID:        ev.ID.String(),
			ActorID:   ev.ActorID,
			Action:    ev.Action,
			Detail:    ev.Detail,
			CreatedAt: ev.CreatedAt,
		})
	}
	return c.OK(out)
}

// decisionError is the response body for a failed decision. It carries the
// current request state so the approver sees what actually happened.
type decisionError struct {
	Error   string           `json:"error"`
	Request *RequestResponse `json:"request,omitempty"`
}

// abortDecisionError maps decision errors to HTTP status codes. req is the
// authoritative state returned by the service, which may be non-nil even on
// error (e.g., a request that expired on access).
func (g *Gateway) abortDecisionError(c *okapi.Context, err error, req *domain.OversightRequest) error {
	body := &decisionError{Error: err.Error(), Request: toRequestResponse(req)}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return c.JSON(http.StatusNotFound, body)
	case errors.Is(err, oversight.ErrUnauthorized):
		return c.JSON(http.StatusForbidden, body)
	case errors.Is(err, oversight.ErrDuplicateDecision), errors.Is(err, oversight.ErrNotPending):
		return c.JSON(http.StatusConflict, body)
	case errors.Is(err, oversight.ErrExpired):
		return c.JSON(http.StatusGone, body)
	case errors.Is(err, ratelimit.ErrRateLimited):
		return c.JSON(http.StatusTooManyRequests, body)
	case errors.Is(err, resilience.ErrServiceUnavailable):
		return c.JSON(http.StatusServiceUnavailable, body)
	default:
		g.logger.Error("decision failed", slog.Any("error", err))
		return c.AbortInternalServerError("internal error", err)
	}
}

// abortServiceError maps non-decision service errors to HTTP status codes.
func (g *Gateway) abortServiceError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": "request not found"})
	case errors.Is(err, resilience.ErrServiceUnavailable), errors.Is(err, oversight.ErrPersistenceFailure):
		return c.AbortServiceUnavailable("storage unavailable, retry later")
	case errors.Is(err, policy.ErrNoApprovers):
		g.logger.Error("no approvers available", slog.Any("error", err))
		return c.AbortServiceUnavailable("no approvers available")
	default:
		g.logger.Error("request failed", slog.Any("error", err))
		return c.AbortInternalServerError("internal error", err)
	}
}
