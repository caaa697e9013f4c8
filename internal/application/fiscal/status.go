package fiscal

import (
	"time"

	"github.com/erp/verifactu/internal/domain/fiscal"
)

// RecordStatus is the host-facing view of one record's submission. A Pending
// record with SubmitAttempted set may already be known to the authority.
type RecordStatus struct {
	EntityID          string                  `json:"entity_id"`
	RecordID          string                  `json:"record_id"`
	Kind              fiscal.RecordKind       `json:"kind"`
	Sequence          int64                   `json:"sequence"`
	Hash              string                  `json:"hash"`
	PreviousHash      string                  `json:"previous_hash"`
	State             fiscal.SubmissionStatus `json:"state"`
	TrackingReference string                  `json:"tracking_reference,omitempty"`
	Errors            []string                `json:"errors,omitempty"`
	LastError         string                  `json:"last_error,omitempty"`
	Attempts          int                     `json:"attempts"`
	MaxAttempts       int                     `json:"max_attempts"`
	RetryClass        fiscal.RetryClass       `json:"retry_class"`
	SubmitAttempted   bool                    `json:"submit_attempted"`
	NextRetryAt       *time.Time              `json:"next_retry_at,omitempty"`
	SentAt            *time.Time              `json:"sent_at,omitempty"`
	VerifiedAt        *time.Time              `json:"verified_at,omitempty"`
	RejectedAt        *time.Time              `json:"rejected_at,omitempty"`
	UpdatedAt         time.Time               `json:"updated_at"`
}

func newRecordStatus(s *fiscal.Submission) RecordStatus {
	return RecordStatus{
		EntityID:          s.EntityID,
		RecordID:          s.RecordID,
		Kind:              s.Kind,
		Sequence:          s.Sequence,
		Hash:              s.Hash,
		PreviousHash:      s.PreviousHash,
		State:             s.Status,
		TrackingReference: s.TrackingReference,
		Errors:            s.ErrorMessages,
		LastError:         s.LastError,
		Attempts:          s.Attempts,
		MaxAttempts:       s.MaxAttempts,
		RetryClass:        s.RetryClass(),
		SubmitAttempted:   s.SubmitAttempted,
		NextRetryAt:       s.NextRetryAt,
		SentAt:            s.SentAt,
		VerifiedAt:        s.VerifiedAt,
		RejectedAt:        s.RejectedAt,
		UpdatedAt:         s.UpdatedAt,
	}
}

// Records reports the outcome of every record the task chained
func (r Result) Records() []RecordStatus {
	out := make([]RecordStatus, 0, len(r.Submissions))
	for i := range r.Submissions {
		out = append(out, newRecordStatus(&r.Submissions[i]))
	}
	return out
}
