package models

import (
	"time"

	"github.com/erp/verifactu/internal/domain/fiscal"
	"github.com/google/uuid"
)

// ChainStateModel is the persisted head of one entity's hash chain
type ChainStateModel struct {
	EntityID     string    `gorm:"type:varchar(32);primaryKey"`
	PreviousHash string    `gorm:"type:char(64);not null;default:''"`
	Sequence     int64     `gorm:"not null;default:0"`
	UpdatedAt    time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (ChainStateModel) TableName() string {
	return "fiscal_chain_states"
}

// ToDomain converts the persistence model to a domain ChainState
func (m *ChainStateModel) ToDomain() fiscal.ChainState {
	return fiscal.ChainState{
		EntityID:     m.EntityID,
		PreviousHash: m.PreviousHash,
		Sequence:     m.Sequence,
		UpdatedAt:    m.UpdatedAt,
	}
}

// ChainStateModelFromDomain creates a persistence model from a ChainState
func ChainStateModelFromDomain(s fiscal.ChainState) *ChainStateModel {
	updated := s.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	return &ChainStateModel{
		EntityID:     s.EntityID,
		PreviousHash: s.PreviousHash,
		Sequence:     s.Sequence,
		UpdatedAt:    updated,
	}
}

// BatchModel stores one serialized document and its submissions
type BatchModel struct {
	ID                uuid.UUID         `gorm:"type:uuid;primaryKey"`
	EntityID          string            `gorm:"type:varchar(32);not null;index"`
	Document          []byte            `gorm:"not null"`
	SignedDocument    []byte
	TrackingReference string            `gorm:"type:varchar(128)"`
	CreatedAt         time.Time         `gorm:"not null"`
	Submissions       []SubmissionModel `gorm:"foreignKey:BatchID;references:ID"`
}

// TableName returns the table name for GORM
func (BatchModel) TableName() string {
	return "fiscal_batches"
}

// ToDomain converts the persistence model to a domain Batch
func (m *BatchModel) ToDomain() *fiscal.Batch {
	b := &fiscal.Batch{
		ID:                m.ID,
		EntityID:          m.EntityID,
		Document:          m.Document,
		SignedDocument:    m.SignedDocument,
		TrackingReference: m.TrackingReference,
		CreatedAt:         m.CreatedAt,
		Submissions:       make([]*fiscal.Submission, 0, len(m.Submissions)),
	}
	for i := range m.Submissions {
		b.Submissions = append(b.Submissions, m.Submissions[i].ToDomain())
	}
	return b
}

// BatchModelFromDomain creates a persistence model, without submissions,
// from a domain Batch
func BatchModelFromDomain(b *fiscal.Batch) *BatchModel {
	return &BatchModel{
		ID:                b.ID,
		EntityID:          b.EntityID,
		Document:          b.Document,
		SignedDocument:    b.SignedDocument,
		TrackingReference: b.TrackingReference,
		CreatedAt:         b.CreatedAt,
	}
}

// SubmissionModel is the persistence model for one record's submission
type SubmissionModel struct {
	ID                uuid.UUID               `gorm:"type:uuid;primaryKey"`
	BatchID           uuid.UUID               `gorm:"type:uuid;not null;index"`
	EntityID          string                  `gorm:"type:varchar(32);not null;index:idx_fiscal_submissions_entity_seq,priority:1;index:idx_fiscal_submissions_entity_record,priority:1"`
	RecordID          string                  `gorm:"type:varchar(128);not null;index:idx_fiscal_submissions_entity_record,priority:2"`
	Kind              fiscal.RecordKind       `gorm:"type:varchar(20);not null"`
	Sequence          int64                   `gorm:"not null;index:idx_fiscal_submissions_entity_seq,priority:2"`
	PreviousHash      string                  `gorm:"type:char(64);not null;default:''"`
	Hash              string                  `gorm:"type:char(64);not null"`
	Status            fiscal.SubmissionStatus `gorm:"type:varchar(20);not null;index:idx_fiscal_submissions_status_retry,priority:1"`
	TrackingReference string                  `gorm:"type:varchar(128)"`
	ErrorMessages     []string                `gorm:"type:text;serializer:json"`
	LastError         string                  `gorm:"type:text"`
	Attempts          int                     `gorm:"not null;default:0"`
	MaxAttempts       int                     `gorm:"not null;default:5"`
	Exhausted         bool                    `gorm:"not null;default:false"`
	SubmitAttempted   bool                    `gorm:"not null;default:false"`
	NextRetryAt       *time.Time              `gorm:"index:idx_fiscal_submissions_status_retry,priority:2"`
	SentAt            *time.Time
	VerifiedAt        *time.Time
	RejectedAt        *time.Time
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (SubmissionModel) TableName() string {
	return "fiscal_submissions"
}

// ToDomain converts the persistence model to a domain Submission
func (m *SubmissionModel) ToDomain() *fiscal.Submission {
	return &fiscal.Submission{
		ID:                m.ID,
		BatchID:           m.BatchID,
		EntityID:          m.EntityID,
		RecordID:          m.RecordID,
		Kind:              m.Kind,
		Sequence:          m.Sequence,
		PreviousHash:      m.PreviousHash,
		Hash:              m.Hash,
		Status:            m.Status,
		TrackingReference: m.TrackingReference,
		ErrorMessages:     m.ErrorMessages,
		LastError:         m.LastError,
		Attempts:          m.Attempts,
		MaxAttempts:       m.MaxAttempts,
		Exhausted:         m.Exhausted,
		SubmitAttempted:   m.SubmitAttempted,
		NextRetryAt:       m.NextRetryAt,
		SentAt:            m.SentAt,
		VerifiedAt:        m.VerifiedAt,
		RejectedAt:        m.RejectedAt,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

// SubmissionModelFromDomain creates a persistence model from a domain Submission
func SubmissionModelFromDomain(s *fiscal.Submission) *SubmissionModel {
	return &SubmissionModel{
		ID:                s.ID,
		BatchID:           s.BatchID,
		EntityID:          s.EntityID,
		RecordID:          s.RecordID,
		Kind:              s.Kind,
		Sequence:          s.Sequence,
		PreviousHash:      s.PreviousHash,
		Hash:              s.Hash,
		Status:            s.Status,
		TrackingReference: s.TrackingReference,
		ErrorMessages:     s.ErrorMessages,
		LastError:         s.LastError,
		Attempts:          s.Attempts,
		MaxAttempts:       s.MaxAttempts,
		Exhausted:         s.Exhausted,
		SubmitAttempted:   s.SubmitAttempted,
		NextRetryAt:       s.NextRetryAt,
		SentAt:            s.SentAt,
		VerifiedAt:        s.VerifiedAt,
		RejectedAt:        s.RejectedAt,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
}

// ChainHaltModel records an entity halted by a chain integrity violation
type ChainHaltModel struct {
	EntityID string    `gorm:"type:varchar(32);primaryKey"`
	Expected string    `gorm:"type:char(64);not null;default:''"`
	Actual   string    `gorm:"type:char(64);not null;default:''"`
	Reason   string    `gorm:"type:text;not null;default:''"`
	HaltedAt time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (ChainHaltModel) TableName() string {
	return "fiscal_chain_halts"
}

// ToDomain converts the persistence model to the violation it records
func (m *ChainHaltModel) ToDomain() *fiscal.ChainIntegrityError {
	return &fiscal.ChainIntegrityError{
		EntityID: m.EntityID,
		Expected: m.Expected,
		Actual:   m.Actual,
		Reason:   m.Reason,
	}
}

// ChainHaltModelFromDomain creates a persistence model from a violation
func ChainHaltModelFromDomain(e *fiscal.ChainIntegrityError) *ChainHaltModel {
	return &ChainHaltModel{
		EntityID: e.EntityID,
		Expected: e.Expected,
		Actual:   e.Actual,
		Reason:   e.Reason,
		HaltedAt: time.Now().UTC(),
	}
}

// AllModels lists the ledger's models in dependency order
func AllModels() []any {
	return []any{&ChainStateModel{}, &BatchModel{}, &SubmissionModel{}, &ChainHaltModel{}}
}
