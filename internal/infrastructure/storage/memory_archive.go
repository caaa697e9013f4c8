package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/erp/verifactu/internal/domain/fiscal"
)

var _ fiscal.DocumentArchive = (*MemoryArchive)(nil)

// MemoryArchive keeps archived documents in process memory, using the same
// key layout as S3DocumentArchive. Use it for development and tests.
type MemoryArchive struct {
	Prefix string

	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryArchive creates an empty MemoryArchive
func NewMemoryArchive(prefix string) *MemoryArchive {
	return &MemoryArchive{Prefix: prefix, objects: make(map[string][]byte)}
}

// Archive stores the batch's signed document, or its unsigned document
func (m *MemoryArchive) Archive(_ context.Context, batch *fiscal.Batch) error {
	body := batch.SignedDocument
	if len(body) == 0 {
		body = batch.Document
	}
	if len(body) == 0 {
		return fmt.Errorf("archive batch %s: document is empty", batch.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[ObjectKey(m.Prefix, batch)] = slices.Clone(body)
	return nil
}

// Fetch returns an archived document
func (m *MemoryArchive) Fetch(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	body, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("fetch %s: not found", key)
	}
	return slices.Clone(body), nil
}

// Keys lists archived keys in lexical order
func (m *MemoryArchive) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
