package fiscal

import (
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
)

// SubmissionStatus is the state of one record's submission to the authority
type SubmissionStatus string

const (
	SubmissionStatusPending  SubmissionStatus = "PENDING"
	SubmissionStatusSent     SubmissionStatus = "SENT"
	SubmissionStatusVerified SubmissionStatus = "VERIFIED"
	SubmissionStatusRejected SubmissionStatus = "REJECTED"
	SubmissionStatusError    SubmissionStatus = "ERROR"
)

// RetryClass tells the host what a record's state means for an operator
type RetryClass string

const (
	RetryClassNone           RetryClass = "none"
	RetryClassWillRetry      RetryClass = "will-retry"
	RetryClassNeedsHuman     RetryClass = "needs-human"
	RetryClassFixAndResubmit RetryClass = "fix-and-resubmit"
)

// Default retry configuration
const (
	DefaultMaxAttempts = 5
	DefaultBaseBackoff = 2 * time.Second
	DefaultMaxBackoff  = 5 * time.Minute
)

// Backoff computes jittered exponential delays
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // fraction of the delay, 0..1
}

// DefaultBackoff returns the backoff used when none is configured
func DefaultBackoff() Backoff {
	return Backoff{Base: DefaultBaseBackoff, Max: DefaultMaxBackoff, Jitter: 0.2}
}

// Delay returns the wait before retry number attempt (1-based)
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = DefaultBaseBackoff
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			d = b.Max
			break
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if b.Jitter > 0 {
		spread := float64(d) * b.Jitter
		d = time.Duration(float64(d) - spread + rand.Float64()*2*spread)
	}
	return d
}

// Submission tracks one chained record through the authority
type Submission struct {
	ID                uuid.UUID
	BatchID           uuid.UUID
	EntityID          string
	RecordID          string
	Kind              RecordKind
	Sequence          int64
	PreviousHash      string
	Hash              string
	Status            SubmissionStatus
	TrackingReference string
	ErrorMessages     []string
	LastError         string
	Attempts          int
	MaxAttempts       int
	Exhausted         bool
	SubmitAttempted   bool
	NextRetryAt       *time.Time
	SentAt            *time.Time
	VerifiedAt        *time.Time
	RejectedAt        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NewSubmission creates the Pending submission for a freshly chained record
func NewSubmission(entityID string, batchID uuid.UUID, cr ChainedRecord, maxAttempts int) *Submission {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	now := time.Now().UTC()
	return &Submission{
		ID:           uuid.New(),
		BatchID:      batchID,
		EntityID:     entityID,
		RecordID:     cr.Record.Header().RecordID,
		Kind:         cr.Record.Kind(),
		Sequence:     cr.Sequence,
		PreviousHash: cr.PreviousHash,
		Hash:         cr.Hash,
		Status:       SubmissionStatusPending,
		MaxAttempts:  maxAttempts,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// IsTerminal reports whether no automatic transition can leave this state
func (s *Submission) IsTerminal() bool {
	switch s.Status {
	case SubmissionStatusVerified, SubmissionStatusRejected:
		return true
	case SubmissionStatusError:
		return s.Exhausted
	}
	return false
}

// RetryClass classifies the submission for operator display
func (s *Submission) RetryClass() RetryClass {
	switch s.Status {
	case SubmissionStatusRejected:
		return RetryClassNeedsHuman
	case SubmissionStatusError:
		if s.Exhausted {
			return RetryClassNeedsHuman
		}
		return RetryClassWillRetry
	}
	return RetryClassNone
}

// CanRetry returns true if the entry is in Error with attempts remaining
func (s *Submission) CanRetry() bool {
	return s.Status == SubmissionStatusError && !s.Exhausted
}

// MarkSubmitAttempted records that submit() was called for this record. From
// here on the record cannot be abandoned.
func (s *Submission) MarkSubmitAttempted() {
	s.SubmitAttempted = true
	s.UpdatedAt = time.Now().UTC()
}

// MarkSent moves a Pending submission to Sent
func (s *Submission) MarkSent(trackingReference string) error {
	if s.Status != SubmissionStatusPending {
		return ErrInvalidTransition
	}
	now := time.Now().UTC()
	s.Status = SubmissionStatusSent
	s.TrackingReference = trackingReference
	s.SentAt = &now
	s.NextRetryAt = nil
	s.LastError = ""
	s.UpdatedAt = now
	return nil
}

// MarkVerified moves a Sent submission to Verified. No other state may reach
// Verified; in particular an exhausted Error needs Resubmit first.
func (s *Submission) MarkVerified() error {
	if s.Status != SubmissionStatusSent {
		return ErrInvalidTransition
	}
	now := time.Now().UTC()
	s.Status = SubmissionStatusVerified
	s.VerifiedAt = &now
	s.NextRetryAt = nil
	s.UpdatedAt = now
	return nil
}

// MarkRejected records the authority's rejection verbatim
func (s *Submission) MarkRejected(messages []string) error {
	if s.Status != SubmissionStatusPending && s.Status != SubmissionStatusSent {
		return ErrInvalidTransition
	}
	now := time.Now().UTC()
	s.Status = SubmissionStatusRejected
	s.ErrorMessages = append([]string(nil), messages...)
	s.RejectedAt = &now
	s.NextRetryAt = nil
	s.UpdatedAt = now
	return nil
}

// MarkError records a retryable failure and schedules the next attempt. Once
// MaxAttempts is reached the submission is exhausted.
func (s *Submission) MarkError(errMsg string, backoff Backoff) error {
	if s.Status != SubmissionStatusPending && s.Status != SubmissionStatusSent {
		return ErrInvalidTransition
	}
	now := time.Now().UTC()
	s.Attempts++
	s.Status = SubmissionStatusError
	s.LastError = errMsg
	s.UpdatedAt = now

	if s.Attempts >= s.MaxAttempts {
		s.Exhausted = true
		s.NextRetryAt = nil
		return nil
	}
	next := now.Add(backoff.Delay(s.Attempts))
	s.NextRetryAt = &next
	return nil
}

// Resume takes a retryable Error back to the state it failed from: Sent when
// the authority already issued a tracking reference, Pending otherwise.
func (s *Submission) Resume() error {
	if s.Status != SubmissionStatusError {
		return ErrInvalidTransition
	}
	if s.Exhausted {
		return ErrRetriesExhausted
	}
	if s.TrackingReference != "" {
		s.Status = SubmissionStatusSent
	} else {
		s.Status = SubmissionStatusPending
	}
	s.NextRetryAt = nil
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// Resubmit is the manual operator action for an exhausted Error: it resets
// the attempt budget and requires a fresh submit() call.
func (s *Submission) Resubmit() error {
	if s.Status != SubmissionStatusError || !s.Exhausted {
		return ErrInvalidTransition
	}
	s.Status = SubmissionStatusPending
	s.Exhausted = false
	s.Attempts = 0
	s.TrackingReference = ""
	s.SentAt = nil
	s.NextRetryAt = nil
	s.LastError = ""
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// Batch is one serialized document covering consecutive chained records of
// a single entity.
type Batch struct {
	ID                uuid.UUID
	EntityID          string
	Document          []byte
	SignedDocument    []byte
	TrackingReference string
	Submissions       []*Submission
	CreatedAt         time.Time
}

// NewBatch creates a batch with Pending submissions for every chained record
func NewBatch(entityID string, document []byte, chained []ChainedRecord, maxAttempts int) *Batch {
	b := &Batch{
		ID:        uuid.New(),
		EntityID:  entityID,
		Document:  document,
		CreatedAt: time.Now().UTC(),
	}
	b.Submissions = make([]*Submission, 0, len(chained))
	for _, cr := range chained {
		b.Submissions = append(b.Submissions, NewSubmission(entityID, b.ID, cr, maxAttempts))
	}
	return b
}

// Head returns the chain state after the batch's last record
func (b *Batch) Head() ChainState {
	if len(b.Submissions) == 0 {
		return InitialChainState(b.EntityID)
	}
	last := b.Submissions[len(b.Submissions)-1]
	return ChainState{EntityID: b.EntityID, PreviousHash: last.Hash, Sequence: last.Sequence}
}
