package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erp/verifactu/internal/domain/fiscal"
	"github.com/erp/verifactu/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// submissionStateColumns are the columns a submission transition may change
var submissionStateColumns = []string{
	"status", "tracking_reference", "error_messages", "last_error",
	"attempts", "max_attempts", "exhausted", "submit_attempted",
	"next_retry_at", "sent_at", "verified_at", "rejected_at", "updated_at",
}

// GormLedger implements fiscal.Ledger using GORM
type GormLedger struct {
	db *gorm.DB
}

// NewGormLedger creates a new GormLedger
func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db}
}

// Latest returns the entity's committed chain head
func (r *GormLedger) Latest(ctx context.Context, entityID string) (fiscal.ChainState, error) {
	var model models.ChainStateModel
	err := r.db.WithContext(ctx).Where("entity_id = ?", entityID).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fiscal.InitialChainState(entityID), nil
	}
	if err != nil {
		return fiscal.ChainState{}, fmt.Errorf("load chain state for %s: %w", entityID, err)
	}
	return model.ToDomain(), nil
}

// Append swaps the chain head from expected to the batch's head and stores
// the batch with its submissions, all in one transaction.
func (r *GormLedger) Append(ctx context.Context, expected fiscal.ChainState, batch *fiscal.Batch) error {
	if batch == nil || len(batch.Submissions) == 0 {
		return fiscal.ErrEmptyBatch
	}
	if expected.EntityID != batch.EntityID {
		return fmt.Errorf("append batch of %s onto chain of %s: %w", batch.EntityID, expected.EntityID, fiscal.ErrChainConflict)
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := swapHead(tx, expected, batch.Head()); err != nil {
			return err
		}
		if err := tx.Omit(clause.Associations).Create(models.BatchModelFromDomain(batch)).Error; err != nil {
			return fmt.Errorf("insert batch %s: %w", batch.ID, err)
		}
		subs := make([]*models.SubmissionModel, 0, len(batch.Submissions))
		for _, s := range batch.Submissions {
			subs = append(subs, models.SubmissionModelFromDomain(s))
		}
		if err := tx.Create(&subs).Error; err != nil {
			return fmt.Errorf("insert submissions for batch %s: %w", batch.ID, err)
		}
		return nil
	})
}

// swapHead is a compare-and-swap on the chain state row. An entity without a
// row is at its initial state.
func swapHead(tx *gorm.DB, expected, head fiscal.ChainState) error {
	next := models.ChainStateModelFromDomain(head)

	var result *gorm.DB
	if expected.IsInitial() {
		result = tx.Clauses(clause.OnConflict{DoNothing: true}).Create(next)
	} else {
		result = tx.Model(&models.ChainStateModel{}).
			Where("entity_id = ? AND previous_hash = ? AND sequence = ?",
				expected.EntityID, expected.PreviousHash, expected.Sequence).
			Updates(map[string]any{
				"previous_hash": next.PreviousHash,
				"sequence":      next.Sequence,
				"updated_at":    next.UpdatedAt,
			})
	}
	if result.Error != nil {
		return fmt.Errorf("swap chain head for %s: %w", expected.EntityID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fiscal.ErrChainConflict
	}
	return nil
}

// Update saves a submission's state columns
func (r *GormLedger) Update(ctx context.Context, sub *fiscal.Submission) error {
	model := models.SubmissionModelFromDomain(sub)
	result := r.db.WithContext(ctx).
		Model(&models.SubmissionModel{ID: sub.ID}).
		Select(submissionStateColumns).
		Updates(model)
	if result.Error != nil {
		return fmt.Errorf("update submission %s: %w", sub.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fiscal.ErrSubmissionNotFound
	}
	return nil
}

// UpdateBatch saves the batch's signed document and tracking reference
func (r *GormLedger) UpdateBatch(ctx context.Context, batch *fiscal.Batch) error {
	result := r.db.WithContext(ctx).
		Model(&models.BatchModel{ID: batch.ID}).
		Select("signed_document", "tracking_reference").
		Updates(models.BatchModelFromDomain(batch))
	if result.Error != nil {
		return fmt.Errorf("update batch %s: %w", batch.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fiscal.ErrSubmissionNotFound
	}
	return nil
}

// FindBatch loads a batch with its submissions in chain order
func (r *GormLedger) FindBatch(ctx context.Context, id uuid.UUID) (*fiscal.Batch, error) {
	var model models.BatchModel
	err := r.db.WithContext(ctx).
		Preload("Submissions", func(db *gorm.DB) *gorm.DB {
			return db.Order("sequence ASC")
		}).
		Where("id = ?", id).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fiscal.ErrSubmissionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load batch %s: %w", id, err)
	}
	return model.ToDomain(), nil
}

// FindByRecord returns the most recently chained submission for a record
func (r *GormLedger) FindByRecord(ctx context.Context, entityID, recordID string) (*fiscal.Submission, error) {
	var model models.SubmissionModel
	err := r.db.WithContext(ctx).
		Where("entity_id = ? AND record_id = ?", entityID, recordID).
		Order("sequence DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fiscal.ErrSubmissionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load submission %s/%s: %w", entityID, recordID, err)
	}
	return model.ToDomain(), nil
}

// ListByEntity returns one page of an entity's submissions in chain order
// and the number of submissions matching the filter
func (r *GormLedger) ListByEntity(ctx context.Context, entityID string, filter fiscal.SubmissionFilter) ([]*fiscal.Submission, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.SubmissionModel{}).Where("entity_id = ?", entityID)
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count submissions for %s: %w", entityID, err)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var rows []models.SubmissionModel
	if err := query.Order("sequence ASC").Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("list submissions for %s: %w", entityID, err)
	}
	subs := make([]*fiscal.Submission, 0, len(rows))
	for i := range rows {
		subs = append(subs, rows[i].ToDomain())
	}
	return subs, total, nil
}

// FindRecoverable returns ids of batches that still have work to do,
// oldest first
func (r *GormLedger) FindRecoverable(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	var rows []struct {
		BatchID uuid.UUID
	}
	query := r.db.WithContext(ctx).
		Model(&models.SubmissionModel{}).
		Select("batch_id").
		Where("status IN ? OR (status = ? AND exhausted = ? AND next_retry_at <= ?)",
			[]fiscal.SubmissionStatus{fiscal.SubmissionStatusPending, fiscal.SubmissionStatusSent},
			fiscal.SubmissionStatusError, false, before.UTC()).
		Group("batch_id").
		Order("MIN(created_at) ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("find recoverable batches: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.BatchID)
	}
	return ids, nil
}

// SaveHalt records an entity's halt, replacing an earlier one
func (r *GormLedger) SaveHalt(ctx context.Context, halt *fiscal.ChainIntegrityError) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entity_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"expected", "actual", "reason", "halted_at"}),
		}).
		Create(models.ChainHaltModelFromDomain(halt)).Error
	if err != nil {
		return fmt.Errorf("save halt for %s: %w", halt.EntityID, err)
	}
	return nil
}

// FindHalt returns the entity's halt, or nil when it is not halted
func (r *GormLedger) FindHalt(ctx context.Context, entityID string) (*fiscal.ChainIntegrityError, error) {
	var model models.ChainHaltModel
	err := r.db.WithContext(ctx).Where("entity_id = ?", entityID).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load halt for %s: %w", entityID, err)
	}
	return model.ToDomain(), nil
}

// DeleteHalt clears the entity's halt
func (r *GormLedger) DeleteHalt(ctx context.Context, entityID string) (bool, error) {
	result := r.db.WithContext(ctx).Where("entity_id = ?", entityID).Delete(&models.ChainHaltModel{})
	if result.Error != nil {
		return false, fmt.Errorf("delete halt for %s: %w", entityID, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ListHalts returns every halted entity ordered by entity id
func (r *GormLedger) ListHalts(ctx context.Context) ([]*fiscal.ChainIntegrityError, error) {
	var rows []models.ChainHaltModel
	if err := r.db.WithContext(ctx).Order("entity_id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list halts: %w", err)
	}
	out := make([]*fiscal.ChainIntegrityError, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].ToDomain())
	}
	return out, nil
}

var _ fiscal.Ledger = (*GormLedger)(nil)
