package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonlabs/tradegate/internal/domain"
)

// JSONB is a json.RawMessage that implements the driver.Valuer and
// sql.Scanner interfaces for GORM JSONB columns. SQLite stores the same
// payload as TEXT.
type JSONB json.RawMessage

// Value implements driver.Valuer.
func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return []byte(j), nil
}

// Scan implements sql.Scanner.
func (j *JSONB) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
		return nil
	case []byte:
		*j = append((*j)[:0], v...)
		return nil
	case string:
		*j = JSONB(v)
		return nil
	default:
		return fmt.Errorf("unsupported JSONB source type %T", src)
	}
}

// RequestModel maps to the "oversight_requests" table. The version column is
// the optimistic-lock token; repositories bump it on every successful update.
type RequestModel struct {
	ID      uuid.UUID `gorm:"type:uuid;primaryKey"`
	Version int64     `gorm:"not null;default:1"`

	Status   string `gorm:"not null;index:idx_requests_status_archived"`
	Priority string `gorm:"not null"`

	Context       JSONB `gorm:"type:jsonb;not null;default:'{}'"`
	Approvers     JSONB `gorm:"type:jsonb;not null;default:'[]'"`
	VetoApprovers JSONB `gorm:"type:jsonb;not null;default:'[]'"`

	RequiredApprovals int `gorm:"not null;default:1"`
	MaxRejections     int `gorm:"not null;default:0"`

	Decisions JSONB `gorm:"type:jsonb;not null;default:'[]'"`

	EscalationPath   JSONB `gorm:"type:jsonb;not null;default:'[]'"`
	EscalationCursor int   `gorm:"not null;default:0"`

	CreatedAt time.Time
	ExpiresAt time.Time `gorm:"index"`

	StatusHistory JSONB `gorm:"type:jsonb;not null;default:'[]'"`

	FinalDecision   string
	ExecutionResult JSONB `gorm:"type:jsonb"`

	Archived bool `gorm:"not null;default:false;index:idx_requests_status_archived"`
}

func (RequestModel) TableName() string { return "oversight_requests" }

// AuditEventModel maps to the "audit_events" table. Append-only.
type AuditEventModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	RequestID uuid.UUID `gorm:"type:uuid;not null;index"`
	ActorID   string    `gorm:"not null"`
	Action    string    `gorm:"not null"`
	Detail    JSONB     `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt time.Time
}

func (AuditEventModel) TableName() string { return "audit_events" }

func toRequestModel(req *domain.OversightRequest) (*RequestModel, error) {
	contextJSON, err := json.Marshal(req.Context)
	if err != nil {
		return nil, fmt.Errorf("marshaling context: %w", err)
	}
	approvers, err := json.Marshal(req.Approvers)
	if err != nil {
		return nil, fmt.Errorf("marshaling approvers: %w", err)
	}
	veto, err := json.Marshal(req.VetoApprovers)
	if err != nil {
		return nil, fmt.Errorf("marshaling veto approvers: %w", err)
	}
	decisions, err := json.Marshal(req.Decisions)
	if err != nil {
		return nil, fmt.Errorf("marshaling decisions: %w", err)
	}
	path, err := json.Marshal(req.EscalationPath)
	if err != nil {
		return nil, fmt.Errorf("marshaling escalation path: %w", err)
	}
	history, err := json.Marshal(req.StatusHistory)
	if err != nil {
		return nil, fmt.Errorf("marshaling status history: %w", err)
	}

	m := &RequestModel{
		ID:                req.ID,
		Version:           req.Version,
		Status:            string(req.Status),
		Priority:          string(req.Priority),
		Context:           JSONB(contextJSON),
		Approvers:         JSONB(approvers),
		VetoApprovers:     JSONB(veto),
		RequiredApprovals: req.RequiredApprovals,
		MaxRejections:     req.MaxRejections,
		Decisions:         JSONB(decisions),
		EscalationPath:    JSONB(path),
		EscalationCursor:  req.EscalationCursor,
		CreatedAt:         req.CreatedAt,
		ExpiresAt:         req.ExpiresAt,
		StatusHistory:     JSONB(history),
		FinalDecision:     req.FinalDecision,
		Archived:          req.Archived,
	}
	if req.ExecutionResult != nil {
		exec, err := json.Marshal(req.ExecutionResult)
		if err != nil {
			return nil, fmt.Errorf("marshaling execution result: %w", err)
		}
		m.ExecutionResult = JSONB(exec)
	}
	return m, nil
}

func toRequestDomain(m *RequestModel) (*domain.OversightRequest, error) {
	req := &domain.OversightRequest{
		ID:                m.ID,
		Version:           m.Version,
		Status:            domain.Status(m.Status),
		Priority:          domain.Priority(m.Priority),
		RequiredApprovals: m.RequiredApprovals,
		MaxRejections:     m.MaxRejections,
		EscalationCursor:  m.EscalationCursor,
		CreatedAt:         m.CreatedAt,
		ExpiresAt:         m.ExpiresAt,
		FinalDecision:     m.FinalDecision,
		Archived:          m.Archived,
	}
	if err := json.Unmarshal(m.Context, &req.Context); err != nil {
		return nil, fmt.Errorf("unmarshaling context: %w", err)
	}
	if err := json.Unmarshal(m.Approvers, &req.Approvers); err != nil {
		return nil, fmt.Errorf("unmarshaling approvers: %w", err)
	}
	if err := json.Unmarshal(m.VetoApprovers, &req.VetoApprovers); err != nil {
		return nil, fmt.Errorf("unmarshaling veto approvers: %w", err)
	}
	if err := json.Unmarshal(m.Decisions, &req.Decisions); err != nil {
		return nil, fmt.Errorf("unmarshaling decisions: %w", err)
	}
	if err := json.Unmarshal(m.EscalationPath, &req.EscalationPath); err != nil {
		return nil, fmt.Errorf("unmarshaling escalation path: %w", err)
	}
	if err := json.Unmarshal(m.StatusHistory, &req.StatusHistory); err != nil {
		return nil, fmt.Errorf("unmarshaling status history: %w", err)
	}
	if len(m.ExecutionResult) > 0 {
		var exec domain.ExecutionResult
		if err := json.Unmarshal(m.ExecutionResult, &exec); err != nil {
			return nil, fmt.Errorf("unmarshaling execution result: %w", err)
		}
		req.ExecutionResult = &exec
	}
	return req, nil
}

func toAuditModel(ev *domain.AuditEvent) (*AuditEventModel, error) {
	detail, err := json.Marshal(ev.Detail)
	if err != nil {
		return nil, fmt.Errorf("marshaling audit detail: %w", err)
	}
	return &AuditEventModel{
		ID:        ev.ID,
		RequestID: ev.RequestID,
		ActorID:   ev.ActorID,
		Action:    ev.Action,
		Detail:    JSONB(detail),
		CreatedAt: ev.CreatedAt,
	}, nil
}

func toAuditDomain(m *AuditEventModel) (*domain.AuditEvent, error) {
	ev := &domain.AuditEvent{
		ID:        m.ID,
		RequestID: m.RequestID,
		ActorID:   m.ActorID,
		Action:    m.Action,
		CreatedAt: m.CreatedAt,
	}
	if len(m.Detail) > 0 {
		if err := json.Unmarshal(m.Detail, &ev.Detail); err != nil {
			return nil, fmt.Errorf("unmarshaling audit detail: %w", err)
		}
	}
	return ev, nil
}
