package cache

import (
	"context"
	"fmt"
	"sync"
)

// InMemoryEntityLocker serializes entities within one process. It is suitable
// for single-instance deployments and testing.
type InMemoryEntityLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewInMemoryEntityLocker creates a new in-memory locker
func NewInMemoryEntityLocker() *InMemoryEntityLocker {
	return &InMemoryEntityLocker{slots: make(map[string]chan struct{})}
}

func (l *InMemoryEntityLocker) slot(entityID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[entityID]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[entityID] = s
	}
	return s
}

// Lock blocks until the entity's lock is acquired or ctx ends
func (l *InMemoryEntityLocker) Lock(ctx context.Context, entityID string) (func(context.Context) error, error) {
	s := l.slot(entityID)
	select {
	case s <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire lock for %s: %w", entityID, ctx.Err())
	}

	var once sync.Once
	return func(context.Context) error {
		released := false
		once.Do(func() {
			<-s
			released = true
		})
		if !released {
			return ErrLockNotHeld
		}
		return nil
	}, nil
}
