package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/halcyonlabs/tradegate/internal/domain"
	"github.com/halcyonlabs/tradegate/internal/storage"
)

// RequestRepository implements storage.RequestStore with GORM. The optimistic
// lock is enforced in SQL: updates match on both id and version, and zero
// affected rows means a concurrent writer got there first.
type RequestRepository struct {
	db *gorm.DB
}

// NewRequestRepository creates a RequestRepository.
func NewRequestRepository(db *gorm.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

// Create persists a new request at version 1.
func (r *RequestRepository) Create(ctx context.Context, req *domain.OversightRequest) error {
	req.Version = 1
	model, err := toRequestModel(req)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("creating oversight request: %w", err)
	}
	return nil
}

// Get retrieves a request by ID.
func (r *RequestRepository) Get(ctx context.Context, id uuid.UUID) (*domain.OversightRequest, error) {
	var model RequestModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("getting oversight request: %w", err)
	}
	return toRequestDomain(&model)
}

// UpdateWithVersion persists req only when the stored version still equals
// expectedVersion. The UPDATE carries the version in its WHERE clause, so
// concurrent writers serialize without row locks.
func (r *RequestRepository) UpdateWithVersion(ctx context.Context, req *domain.OversightRequest, expectedVersion int64) error {
	req.Version = expectedVersion + 1
	model, err := toRequestModel(req)
	if err != nil {
		req.Version = expectedVersion
		return err
	}

	tx := r.db.WithContext(ctx).
		Model(&RequestModel{}).
		Where("id = ? AND version = ?", req.ID, expectedVersion).
		Updates(map[string]any{
			"version":            model.Version,
			"status":             model.Status,
			"priority":           model.Priority,
			"approvers":          model.Approvers,
			"veto_approvers":     model.VetoApprovers,
			"required_approvals": model.RequiredApprovals,
			"max_rejections":     model.MaxRejections,
			"decisions":          model.Decisions,
			"escalation_path":    model.EscalationPath,
			"escalation_cursor":  model.EscalationCursor,
			"expires_at":         model.ExpiresAt,
			"status_history":     model.StatusHistory,
			"final_decision":     model.FinalDecision,
			"execution_result":   model.ExecutionResult,
			"archived":           model.Archived,
		})
	if tx.Error != nil {
		req.Version = expectedVersion
		return fmt.Errorf("updating oversight request: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		req.Version = expectedVersion
		// Distinguish a stale version from a missing row.
		var count int64
		if err := r.db.WithContext(ctx).Model(&RequestModel{}).Where("id = ?", req.ID).Count(&count).Error; err != nil {
			return fmt.Errorf("checking oversight request existence: %w", err)
		}
		if count == 0 {
			return storage.ErrNotFound
		}
		return storage.ErrVersionConflict
	}
	return nil
}

// ListByStatus returns all non-archived requests in any of the given statuses.
func (r *RequestRepository) ListByStatus(ctx context.Context, statuses ...domain.Status) ([]*domain.OversightRequest, error) {
	raw := make([]string, len(statuses))
	for i, st := range statuses {
		raw[i] = string(st)
	}

	var models []RequestModel
	if err := r.db.WithContext(ctx).
		Where("status IN ? AND archived = ?", raw, false).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing oversight requests: %w", err)
	}

	out := make([]*domain.OversightRequest, 0, len(models))
	for i := range models {
		req, err := toRequestDomain(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

// ArchiveTerminalBefore flags terminal requests whose last transition predates
// cutoff as archived. Rows are never deleted.
func (r *RequestRepository) ArchiveTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	terminal := []string{
		string(domain.StatusRejected),
		string(domain.StatusExpired),
		string(domain.StatusExecuted),
		string(domain.StatusFailed),
	}

	var archived int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var models []RequestModel
		if err := tx.Where("status IN ? AND archived = ?", terminal, false).Find(&models).Error; err != nil {
			return err
		}
		for i := range models {
			req, err := toRequestDomain(&models[i])
			if err != nil {
				return err
			}
			last := req.CreatedAt
			if len(req.StatusHistory) > 0 {
				last = req.StatusHistory[len(req.StatusHistory)-1].At
			}
			if !last.Before(cutoff) {
				continue
			}
			res := tx.Model(&RequestModel{}).
				Where("id = ? AND version = ?", req.ID, req.Version).
				Updates(map[string]any{"archived": true, "version": req.Version + 1})
			if res.Error != nil {
				return res.Error
			}
			// A racing writer moved the row; it stays in the hot set
			// and the next sweep picks it up.
			archived += res.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("archiving terminal requests: %w", err)
	}
	return archived, nil
}

var _ storage.RequestStore = (*RequestRepository)(nil)
