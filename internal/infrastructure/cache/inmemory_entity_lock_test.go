package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryEntityLocker_Lock(t *testing.T) {
	ctx := context.Background()

	t.Run("second holder waits for release", func(t *testing.T) {
		locker := NewInMemoryEntityLocker()
		unlock, err := locker.Lock(ctx, "B12345678")
		require.NoError(t, err)

		acquired := make(chan struct{})
		go func() {
			unlock2, err := locker.Lock(ctx, "B12345678")
			if err == nil {
				close(acquired)
				_ = unlock2(ctx)
			}
		}()

		select {
		case <-acquired:
			t.Fatal("lock acquired while held")
		case <-time.After(50 * time.Millisecond):
		}

		require.NoError(t, unlock(ctx))
		select {
		case <-acquired:
		case <-time.After(time.Second):
			t.Fatal("lock not acquired after release")
		}
	})

	t.Run("entities are independent", func(t *testing.T) {
		locker := NewInMemoryEntityLocker()
		unlockA, err := locker.Lock(ctx, "A00000000")
		require.NoError(t, err)
		unlockB, err := locker.Lock(ctx, "B00000000")
		require.NoError(t, err)
		assert.NoError(t, unlockA(ctx))
		assert.NoError(t, unlockB(ctx))
	})

	t.Run("context cancellation while waiting", func(t *testing.T) {
		locker := NewInMemoryEntityLocker()
		unlock, err := locker.Lock(ctx, "B12345678")
		require.NoError(t, err)
		defer func() { _ = unlock(ctx) }()

		waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err = locker.Lock(waitCtx, "B12345678")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("double release", func(t *testing.T) {
		locker := NewInMemoryEntityLocker()
		unlock, err := locker.Lock(ctx, "B12345678")
		require.NoError(t, err)
		require.NoError(t, unlock(ctx))
		assert.ErrorIs(t, unlock(ctx), ErrLockNotHeld)
	})

	t.Run("mutual exclusion under contention", func(t *testing.T) {
		locker := NewInMemoryEntityLocker()
		var inside, maxInside int32
		var wg sync.WaitGroup
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock, err := locker.Lock(ctx, "B12345678")
				if !assert.NoError(t, err) {
					return
				}
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				assert.NoError(t, unlock(ctx))
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), maxInside)
	})
}
