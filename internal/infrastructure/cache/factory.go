package cache

import (
	"context"
	"fmt"

	"github.com/erp/verifactu/internal/infrastructure/config"
	"go.uber.org/zap"
)

// Locker serializes work on one entity
type Locker interface {
	Lock(ctx context.Context, entityID string) (func(context.Context) error, error)
}

var (
	_ Locker = (*RedisEntityLocker)(nil)
	_ Locker = (*InMemoryEntityLocker)(nil)
)

// LockerFactory creates entity lockers based on configuration
type LockerFactory struct {
	redisConfig           config.RedisConfig
	logger                *zap.Logger
	allowInMemoryFallback bool
}

// LockerFactoryOption is a functional option for configuring the factory
type LockerFactoryOption func(*LockerFactory)

// WithFactoryLogger sets the logger for the factory
func WithFactoryLogger(logger *zap.Logger) LockerFactoryOption {
	return func(f *LockerFactory) {
		f.logger = logger
	}
}

// WithInMemoryFallback controls whether to fall back to an in-process lock
// when Redis is unavailable. Default is false.
func WithInMemoryFallback(allow bool) LockerFactoryOption {
	return func(f *LockerFactory) {
		f.allowInMemoryFallback = allow
	}
}

// NewLockerFactory creates a new factory
func NewLockerFactory(cfg config.RedisConfig, opts ...LockerFactoryOption) *LockerFactory {
	f := &LockerFactory{
		redisConfig: cfg,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CreateLocker returns a Redis locker when Redis is enabled and reachable,
// and an in-process locker otherwise. The close function releases the
// Redis connection.
func (f *LockerFactory) CreateLocker() (Locker, func() error, error) {
	noop := func() error { return nil }
	if !f.redisConfig.Enabled {
		f.logger.Info("Redis disabled, using in-process entity lock")
		return NewInMemoryEntityLocker(), noop, nil
	}

	client, err := NewRedisClient(RedisConfig{
		Host:     f.redisConfig.Host,
		Port:     f.redisConfig.Port,
		Password: f.redisConfig.Password,
		DB:       f.redisConfig.DB,
	})
	if err == nil {
		f.logger.Info("using Redis entity lock",
			zap.String("addr", f.redisConfig.Addr()),
			zap.Duration("ttl", f.redisConfig.LockTTL))
		locker := NewRedisEntityLocker(client,
			WithLockTTL(f.redisConfig.LockTTL),
			WithRetryInterval(f.redisConfig.LockRetryInterval),
			WithKeyPrefix(f.redisConfig.KeyPrefix),
			WithLogger(f.logger))
		return locker, client.Close, nil
	}

	if !f.allowInMemoryFallback {
		return nil, nil, fmt.Errorf("Redis required for entity lock but unavailable: %w", err)
	}
	f.logger.Warn("Redis unavailable, falling back to in-process entity lock. "+
		"Chains are not protected across instances.",
		zap.Error(err),
	)
	return NewInMemoryEntityLocker(), noop, nil
}
