//go:build integration

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newRedisContainer(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client, err := NewRedisClient(RedisConfig{Host: host, Port: port.Int()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisEntityLocker(t *testing.T) {
	client := newRedisContainer(t)
	ctx := context.Background()

	t.Run("exclusive until released", func(t *testing.T) {
		locker := NewRedisEntityLocker(client, WithRetryInterval(10*time.Millisecond))
		unlock, err := locker.Lock(ctx, "B12345678")
		require.NoError(t, err)

		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		_, err = locker.Lock(waitCtx, "B12345678")
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		require.NoError(t, unlock(ctx))
		unlock, err = locker.Lock(ctx, "B12345678")
		require.NoError(t, err)
		assert.NoError(t, unlock(ctx))
	})

	t.Run("expired lock is taken over", func(t *testing.T) {
		locker := NewRedisEntityLocker(client,
			WithLockTTL(100*time.Millisecond),
			WithRetryInterval(10*time.Millisecond),
			WithKeyPrefix("test:expiry:"))
		stale, err := locker.Lock(ctx, "B12345678")
		require.NoError(t, err)

		fresh, err := locker.Lock(ctx, "B12345678")
		require.NoError(t, err)

		assert.ErrorIs(t, stale(ctx), ErrLockNotHeld)
		assert.NoError(t, fresh(ctx))
	})
}
