package fiscal

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/erp/verifactu/internal/domain/fiscal"
)

// Task asks the coordinator to chain and submit records for one entity.
// Records are chained in slice order.
type Task struct {
	EntityID string
	Records  []fiscal.Record
	// Header defaults to fiscal.NewEnvelopeHeader(EntityID)
	Header *fiscal.EnvelopeHeader
	// ExpectedPreviousHash, when set, must equal the entity's chain head at
	// admission time or the entity halts.
	ExpectedPreviousHash *string
}

// Result is the final outcome of a task. Err is set when the task did not
// reach the authority or ended with an error the host must act on;
// per-record outcomes are in Submissions.
type Result struct {
	TaskID      uuid.UUID
	EntityID    string
	BatchID     uuid.UUID
	Submissions []fiscal.Submission
	Err         error
}

// RetryClass summarizes what the host should do about the task
func (r Result) RetryClass() fiscal.RetryClass {
	if class := fiscal.RetryClassOf(r.Err); class != fiscal.RetryClassNone {
		return class
	}
	worst := fiscal.RetryClassNone
	for i := range r.Submissions {
		switch r.Submissions[i].RetryClass() {
		case fiscal.RetryClassNeedsHuman:
			return fiscal.RetryClassNeedsHuman
		case fiscal.RetryClassWillRetry:
			worst = fiscal.RetryClassWillRetry
		}
	}
	return worst
}

// Handle tracks an enqueued task
type Handle struct {
	ID       uuid.UUID
	EntityID string
	done     chan Result
}

func newHandle(id uuid.UUID, entityID string) *Handle {
	return &Handle{ID: id, EntityID: entityID, done: make(chan Result, 1)}
}

// Done delivers the task's result exactly once. It has a single consumer:
// use either Done or Wait, not both.
func (h *Handle) Done() <-chan Result {
	return h.done
}

// Wait blocks until the result is available or ctx ends
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case r := <-h.done:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (h *Handle) resolve(r Result) {
	r.TaskID = h.ID
	r.EntityID = h.EntityID
	h.done <- r
}

type jobKind int

const (
	jobAdmit jobKind = iota
	jobDeliver
)

// job is one unit of coordinator work. An admit job chains its task on the
// entity's lane and then turns into a deliver job for the batch it created.
// Deliver jobs are keyed by batch and come back to the pool after every
// poll or retry wait.
type job struct {
	kind     jobKind
	task     Task
	batchID  uuid.UUID
	handle   *Handle
	started  time.Time
	delivery *delivery
}

var (
	ErrNotRunning = errors.New("fiscal coordinator: not running")
	ErrQueueFull  = errors.New("fiscal coordinator: queue is full")
	ErrNotHalted  = errors.New("fiscal coordinator: entity is not halted")
)
