package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/halcyonlabs/tradegate/internal/domain"
	"github.com/halcyonlabs/tradegate/internal/storage"
)

// AuditRepository implements storage.AuditStore with GORM.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append persists an audit event.
func (r *AuditRepository) Append(ctx context.Context, event *domain.AuditEvent) error {
	model, err := toAuditModel(event)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

// ListByRequest returns the audit trail for a request in chronological order.
func (r *AuditRepository) ListByRequest(ctx context.Context, requestID uuid.UUID) ([]*domain.AuditEvent, error) {
	var models []AuditEventModel
	if err := r.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing audit events: %w", err)
	}

	out := make([]*domain.AuditEvent, 0, len(models))
	for i := range models {
		ev, err := toAuditDomain(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

var _ storage.AuditStore = (*AuditRepository)(nil)
