package persistence

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/erp/verifactu/internal/domain/fiscal"
	"github.com/google/uuid"
)

// MemoryLedger is a process-local fiscal.Ledger. Values are copied on the way
// in and out, so callers never share state with the store.
type MemoryLedger struct {
	mu      sync.RWMutex
	heads   map[string]fiscal.ChainState
	batches map[uuid.UUID]*fiscal.Batch
	order   []uuid.UUID
	halts   map[string]fiscal.ChainIntegrityError
}

// NewMemoryLedger creates an empty MemoryLedger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		heads:   make(map[string]fiscal.ChainState),
		batches: make(map[uuid.UUID]*fiscal.Batch),
		halts:   make(map[string]fiscal.ChainIntegrityError),
	}
}

func (m *MemoryLedger) Latest(_ context.Context, entityID string) (fiscal.ChainState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if head, ok := m.heads[entityID]; ok {
		return head, nil
	}
	return fiscal.InitialChainState(entityID), nil
}

func (m *MemoryLedger) Append(_ context.Context, expected fiscal.ChainState, batch *fiscal.Batch) error {
	if batch == nil || len(batch.Submissions) == 0 {
		return fiscal.ErrEmptyBatch
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if expected.EntityID != batch.EntityID {
		return fiscal.ErrChainConflict
	}
	current, ok := m.heads[expected.EntityID]
	if !ok {
		current = fiscal.InitialChainState(expected.EntityID)
	}
	if current.PreviousHash != expected.PreviousHash || current.Sequence != expected.Sequence {
		return fiscal.ErrChainConflict
	}

	head := batch.Head()
	head.UpdatedAt = time.Now().UTC()
	m.heads[expected.EntityID] = head
	m.batches[batch.ID] = cloneBatch(batch)
	m.order = append(m.order, batch.ID)
	return nil
}

func (m *MemoryLedger) Update(_ context.Context, sub *fiscal.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch, ok := m.batches[sub.BatchID]
	if !ok {
		return fiscal.ErrSubmissionNotFound
	}
	for i, s := range batch.Submissions {
		if s.ID == sub.ID {
			batch.Submissions[i] = cloneSubmission(sub)
			return nil
		}
	}
	return fiscal.ErrSubmissionNotFound
}

func (m *MemoryLedger) UpdateBatch(_ context.Context, batch *fiscal.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.batches[batch.ID]
	if !ok {
		return fiscal.ErrSubmissionNotFound
	}
	stored.SignedDocument = slices.Clone(batch.SignedDocument)
	stored.TrackingReference = batch.TrackingReference
	return nil
}

func (m *MemoryLedger) FindBatch(_ context.Context, id uuid.UUID) (*fiscal.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	batch, ok := m.batches[id]
	if !ok {
		return nil, fiscal.ErrSubmissionNotFound
	}
	return cloneBatch(batch), nil
}

func (m *MemoryLedger) FindByRecord(_ context.Context, entityID, recordID string) (*fiscal.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *fiscal.Submission
	for _, id := range m.order {
		for _, s := range m.batches[id].Submissions {
			if s.EntityID == entityID && s.RecordID == recordID &&
				(found == nil || s.Sequence > found.Sequence) {
				found = s
			}
		}
	}
	if found == nil {
		return nil, fiscal.ErrSubmissionNotFound
	}
	return cloneSubmission(found), nil
}

func (m *MemoryLedger) ListByEntity(_ context.Context, entityID string, filter fiscal.SubmissionFilter) ([]*fiscal.Submission, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var subs []*fiscal.Submission
	for _, id := range m.order {
		for _, s := range m.batches[id].Submissions {
			if s.EntityID != entityID {
				continue
			}
			if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, s.Status) {
				continue
			}
			subs = append(subs, s)
		}
	}
	slices.SortFunc(subs, func(a, b *fiscal.Submission) int {
		return int(a.Sequence - b.Sequence)
	})

	total := int64(len(subs))
	subs = subs[min(max(filter.Offset, 0), len(subs)):]
	if filter.Limit > 0 && len(subs) > filter.Limit {
		subs = subs[:filter.Limit]
	}
	page := make([]*fiscal.Submission, 0, len(subs))
	for _, s := range subs {
		page = append(page, cloneSubmission(s))
	}
	return page, total, nil
}

func (m *MemoryLedger) FindRecoverable(_ context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []uuid.UUID
	for _, id := range m.order {
		if limit > 0 && len(ids) >= limit {
			break
		}
		if slices.ContainsFunc(m.batches[id].Submissions, func(s *fiscal.Submission) bool {
			return recoverable(s, before)
		}) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *MemoryLedger) SaveHalt(_ context.Context, halt *fiscal.ChainIntegrityError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.halts[halt.EntityID] = *halt
	return nil
}

func (m *MemoryLedger) FindHalt(_ context.Context, entityID string) (*fiscal.ChainIntegrityError, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	halt, ok := m.halts[entityID]
	if !ok {
		return nil, nil
	}
	return &halt, nil
}

func (m *MemoryLedger) DeleteHalt(_ context.Context, entityID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.halts[entityID]
	delete(m.halts, entityID)
	return ok, nil
}

func (m *MemoryLedger) ListHalts(_ context.Context) ([]*fiscal.ChainIntegrityError, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*fiscal.ChainIntegrityError, 0, len(m.halts))
	for _, id := range slices.Sorted(maps.Keys(m.halts)) {
		halt := m.halts[id]
		out = append(out, &halt)
	}
	return out, nil
}

func recoverable(s *fiscal.Submission, before time.Time) bool {
	switch s.Status {
	case fiscal.SubmissionStatusPending, fiscal.SubmissionStatusSent:
		return true
	case fiscal.SubmissionStatusError:
		return !s.Exhausted && s.NextRetryAt != nil && !s.NextRetryAt.After(before)
	}
	return false
}

func cloneBatch(b *fiscal.Batch) *fiscal.Batch {
	c := *b
	c.Document = slices.Clone(b.Document)
	c.SignedDocument = slices.Clone(b.SignedDocument)
	c.Submissions = make([]*fiscal.Submission, 0, len(b.Submissions))
	for _, s := range b.Submissions {
		c.Submissions = append(c.Submissions, cloneSubmission(s))
	}
	return &c
}

func cloneSubmission(s *fiscal.Submission) *fiscal.Submission {
	c := *s
	c.ErrorMessages = slices.Clone(s.ErrorMessages)
	c.NextRetryAt = cloneTime(s.NextRetryAt)
	c.SentAt = cloneTime(s.SentAt)
	c.VerifiedAt = cloneTime(s.VerifiedAt)
	c.RejectedAt = cloneTime(s.RejectedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

var _ fiscal.Ledger = (*MemoryLedger)(nil)
