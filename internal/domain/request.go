// Package domain defines the core entity types for the oversight engine.
// Types here are persistence-free; GORM models live in internal/storage.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an oversight request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusEscalated Status = "escalated"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
	StatusExecuted  Status = "executed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
// Approved is not terminal: it still moves to executed or failed.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusExpired, StatusExecuted, StatusFailed:
		return true
	default:
		return false
	}
}

// Priority fixes the timeout window and quorum rules for a request.
type Priority string

const (
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank orders priorities for max-severity comparisons.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// MaxPriority returns the higher-ranked of two priorities.
func MaxPriority(a, b Priority) Priority {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// DecisionKind is an individual approver's verdict.
type DecisionKind string

const (
	DecisionApprove DecisionKind = "approve"
	DecisionReject  DecisionKind = "reject"
)

// TriggerType identifies which policy rule fired during risk evaluation.
type TriggerType string

const (
	TriggerAmountThreshold   TriggerType = "amount_threshold"
	TriggerRiskScore         TriggerType = "risk_score"
	TriggerConcentration     TriggerType = "concentration_limit"
	TriggerSectorExposure    TriggerType = "sector_exposure"
	TriggerCorrelation       TriggerType = "correlation_limit"
	TriggerBudgetUtilization TriggerType = "budget_utilization"
	TriggerFirstAction       TriggerType = "first_action"
	TriggerLowTrust          TriggerType = "low_trust"
	TriggerAnomalousPattern  TriggerType = "anomalous_pattern"
)

// Trigger records a single policy rule that fired, with the observed value
// and the threshold it crossed, for audit reasoning.
type Trigger struct {
	Type      TriggerType `json:"type"`
	Severity  Priority    `json:"severity"`
	Reason    string      `json:"reason"`
	Value     float64     `json:"value"`
	Threshold float64     `json:"threshold"`
}

// ProposedAction is the trading action awaiting approval.
type ProposedAction struct {
	ID        string  `json:"id"`
	AgentID   string  `json:"agent_id"`
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"` // "buy" or "sell".
	Quantity  float64 `json:"quantity"`
	AmountUSD float64 `json:"amount_usd"`
	OrderType string  `json:"order_type"` // "market", "limit".
	Rationale string  `json:"rationale"`  // Agent's stated reasoning, shown to approvers.
}

// Position is a single holding inside a portfolio snapshot.
type Position struct {
	Symbol   string  `json:"symbol"`
	Sector   string  `json:"sector"`
	ValueUSD float64 `json:"value_usd"`
	Weight   float64 `json:"weight"` // Fraction of total portfolio value.
}

// PortfolioSnapshot is the portfolio state captured at request creation.
type PortfolioSnapshot struct {
	TotalValueUSD float64    `json:"total_value_usd"`
	CashUSD       float64    `json:"cash_usd"`
	DailyPnLUSD   float64    `json:"daily_pnl_usd"`
	Positions     []Position `json:"positions"`
}

// SectorWeight returns the combined portfolio weight of the given sector.
func (p *PortfolioSnapshot) SectorWeight(sector string) float64 {
	var w float64
	for _, pos := range p.Positions {
		if pos.Sector == sector {
			w += pos.Weight
		}
	}
	return w
}

// AgentSnapshot is the trading agent's state captured at request creation.
type AgentSnapshot struct {
	AgentID            string  `json:"agent_id"`
	SessionID          string  `json:"session_id"`
	TrustScore         float64 `json:"trust_score"` // 0.0–1.0.
	Trusted            bool    `json:"trusted"`     // Eligible for auto-approve on timeout.
	ActionsThisSession int     `json:"actions_this_session"`
	BudgetUsedUSD      float64 `json:"budget_used_usd"`
	BudgetLimitUSD     float64 `json:"budget_limit_usd"`
}

// RiskAssessment is the multi-dimensional risk evaluation result.
// Sub-scores are normalized to [0,1] before weighting.
type RiskAssessment struct {
	Score                 float64   `json:"score"` // Weighted composite.
	Volatility            float64   `json:"volatility"`
	PositionSizeRatio     float64   `json:"position_size_ratio"`
	LiquidityRatio        float64   `json:"liquidity_ratio"`
	MarketCondition       float64   `json:"market_condition"`
	HistoricalPerformance float64   `json:"historical_performance"`
	Triggers              []Trigger `json:"triggers"`
}

// ContextSnapshot is the immutable world state captured when a request is
// raised. It is authoritative for the lifetime of the request: approvers
// reason about the world as it was, even if live data changes afterwards.
type ContextSnapshot struct {
	Action     ProposedAction    `json:"action"`
	Portfolio  PortfolioSnapshot `json:"portfolio"`
	Agent      AgentSnapshot     `json:"agent"`
	Risk       RiskAssessment    `json:"risk"`
	CapturedAt time.Time         `json:"captured_at"`
}

// Decision is a single approver's recorded verdict. Append-only: at most one
// entry per approver, duplicates are rejected rather than overwritten.
type Decision struct {
	ApproverID string       `json:"approver_id"`
	Decision   DecisionKind `json:"decision"`
	Reason     string       `json:"reason"`
	CreatedAt  time.Time    `json:"created_at"`
}

// EscalationLevel is one step of the escalation path, consumed on timeout.
type EscalationLevel struct {
	Level     int           `json:"level"`
	Approvers []string      `json:"approvers"`
	Timeout   time.Duration `json:"timeout"`
}

// StatusChange is one entry of the append-only transition audit trail.
type StatusChange struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// ExecutionResult records the outcome of the trade-execution callback.
// Populated only after a request reaches approved.
type ExecutionResult struct {
	Success     bool      `json:"success"`
	OrderID     string    `json:"order_id,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// ExecutionOutcome is what the external execution callback returns on success.
type ExecutionOutcome struct {
	OrderID        string  `json:"order_id"`
	FilledQuantity float64 `json:"filled_quantity"`
	AvgPriceUSD    float64 `json:"avg_price_usd"`
	Detail         string  `json:"detail,omitempty"`
}

// OversightRequest is the central entity: a high-risk trading action gated
// behind policy-driven human review.
//
// Version is the optimistic-lock token: it increments on every persisted
// mutation, and a versioned update fails when the stored version differs from
// the version the writer read.
type OversightRequest struct {
	ID      uuid.UUID `json:"id"`
	Version int64     `json:"version"`

	Status   Status   `json:"status"`
	Priority Priority `json:"priority"`

	Context ContextSnapshot `json:"context"`

	Approvers     []string `json:"approvers"`      // Ordered set of authorized decision-makers.
	VetoApprovers []string `json:"veto_approvers"` // Subset whose single reject blocks approval.

	RequiredApprovals int `json:"required_approvals"`
	MaxRejections     int `json:"max_rejections"` // Rejects beyond this (non-veto) reject the request.

	Decisions []Decision `json:"decisions"`

	EscalationPath   []EscalationLevel `json:"escalation_path"`
	EscalationCursor int               `json:"escalation_cursor"` // Next level to consume. len(path) = exhausted.

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`

	StatusHistory []StatusChange `json:"status_history"`

	FinalDecision   string           `json:"final_decision,omitempty"`
	ExecutionResult *ExecutionResult `json:"execution_result,omitempty"`

	Archived bool `json:"archived"` // Out of the hot scan set; retained for audit.
}

// DecisionBy returns the recorded decision of the given approver, if any.
func (r *OversightRequest) DecisionBy(approverID string) *Decision {
	for i := range r.Decisions {
		if r.Decisions[i].ApproverID == approverID {
			return &r.Decisions[i]
		}
	}
	return nil
}

// IsApprover reports whether the ID is in the current approver set.
func (r *OversightRequest) IsApprover(approverID string) bool {
	for _, a := range r.Approvers {
		if a == approverID {
			return true
		}
	}
	return false
}

// IsVetoApprover reports whether the ID holds veto authority.
func (r *OversightRequest) IsVetoApprover(approverID string) bool {
	for _, a := range r.VetoApprovers {
		if a == approverID {
			return true
		}
	}
	return false
}

// ApproveCount returns the number of approve decisions recorded.
func (r *OversightRequest) ApproveCount() int {
	n := 0
	for _, d := range r.Decisions {
		if d.Decision == DecisionApprove {
			n++
		}
	}
	return n
}

// RejectCount returns the number of reject decisions recorded.
func (r *OversightRequest) RejectCount() int {
	n := 0
	for _, d := range r.Decisions {
		if d.Decision == DecisionReject {
			n++
		}
	}
	return n
}

// QuorumMet reports whether approve decisions have reached the threshold.
func (r *OversightRequest) QuorumMet() bool {
	return r.ApproveCount() >= r.RequiredApprovals
}

// NextEscalationLevel returns the next unconsumed escalation level, or nil
// when the path is exhausted.
func (r *OversightRequest) NextEscalationLevel() *EscalationLevel {
	if r.EscalationCursor >= len(r.EscalationPath) {
		return nil
	}
	return &r.EscalationPath[r.EscalationCursor]
}

// Clone returns a deep copy. Stores hand out clones so that concurrent
// readers never observe in-flight mutations of a shared request.
func (r *OversightRequest) Clone() *OversightRequest {
	cp := *r
	cp.Approvers = append([]string(nil), r.Approvers...)
	cp.VetoApprovers = append([]string(nil), r.VetoApprovers...)
	cp.Decisions = append([]Decision(nil), r.Decisions...)
	cp.StatusHistory = append([]StatusChange(nil), r.StatusHistory...)
	cp.EscalationPath = append([]EscalationLevel(nil), r.EscalationPath...)
	for i := range cp.EscalationPath {
		cp.EscalationPath[i].Approvers = append([]string(nil), r.EscalationPath[i].Approvers...)
	}
	cp.Context.Portfolio.Positions = append([]Position(nil), r.Context.Portfolio.Positions...)
	cp.Context.Risk.Triggers = append([]Trigger(nil), r.Context.Risk.Triggers...)
	if r.ExecutionResult != nil {
		er := *r.ExecutionResult
		cp.ExecutionResult = &er
	}
	return &cp
}

// NewID generates a new random UUID.
func NewID() uuid.UUID {
	return uuid.New()
}
