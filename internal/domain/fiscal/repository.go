package fiscal

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ChainStore is the durable, single-writer home of every entity's ChainState.
type ChainStore interface {
	// Latest returns the last committed state, or the initial state for an
	// entity that has never chained a record. Safe for concurrent readers.
	Latest(ctx context.Context, entityID string) (ChainState, error)
	// Append atomically swaps the entity's head from expected to the batch's
	// head and persists the batch with its Pending submissions. It returns
	// ErrChainConflict when the stored head is not expected.
	Append(ctx context.Context, expected ChainState, batch *Batch) error
}

// SubmissionRepository persists submission state after admission
type SubmissionRepository interface {
	// Update saves a submission's state
	Update(ctx context.Context, sub *Submission) error
	// UpdateBatch saves the batch's signed document and tracking reference
	UpdateBatch(ctx context.Context, batch *Batch) error
	// FindBatch loads a batch with its submissions
	FindBatch(ctx context.Context, id uuid.UUID) (*Batch, error)
	// FindByRecord returns the latest submission for an entity's record
	FindByRecord(ctx context.Context, entityID, recordID string) (*Submission, error)
	// ListByEntity returns one page of an entity's submissions in chain order
	// and the number of submissions matching the filter
	ListByEntity(ctx context.Context, entityID string, filter SubmissionFilter) ([]*Submission, int64, error)
	// FindRecoverable returns ids of batches with work left to do, oldest
	// first: Pending or Sent submissions, and retryable Error submissions
	// due before the given time
	FindRecoverable(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error)
}

// SubmissionFilter selects a page of an entity's submissions. A zero Limit
// returns every match.
type SubmissionFilter struct {
	Statuses []SubmissionStatus
	Offset   int
	Limit    int
}

// HaltStore keeps halted entities where every process sharing the ledger
// sees them, so a halt outlives the process that raised it.
type HaltStore interface {
	// SaveHalt records the violation that halted an entity, replacing an
	// earlier one
	SaveHalt(ctx context.Context, halt *ChainIntegrityError) error
	// FindHalt returns the entity's violation, or nil when it is not halted
	FindHalt(ctx context.Context, entityID string) (*ChainIntegrityError, error)
	// DeleteHalt clears the entity's halt and reports whether there was one
	DeleteHalt(ctx context.Context, entityID string) (bool, error)
	// ListHalts returns every halted entity's violation
	ListHalts(ctx context.Context) ([]*ChainIntegrityError, error)
}

// Ledger is a store providing chain, submission and halt persistence
type Ledger interface {
	ChainStore
	SubmissionRepository
	HaltStore
}
