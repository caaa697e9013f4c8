package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultLockTTL       = 30 * time.Second
	defaultRetryInterval = 50 * time.Millisecond
	defaultKeyPrefix     = "verifactu:chain-lock:"
)

// ErrLockNotHeld is returned when releasing a lock whose token no longer
// matches, usually because its TTL expired and another holder took it.
var ErrLockNotHeld = errors.New("entity lock not held")

// releaseScript deletes the key only while it still carries our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// NewRedisClient connects to Redis and checks the connection
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RedisEntityLocker holds a per-entity lock in Redis so that only one
// process at a time admits records onto an entity's chain.
type RedisEntityLocker struct {
	client        redis.UniversalClient
	keyPrefix     string
	ttl           time.Duration
	retryInterval time.Duration
	logger        *zap.Logger
}

// RedisEntityLockerOption configures a RedisEntityLocker
type RedisEntityLockerOption func(*RedisEntityLocker)

// WithLockTTL sets how long a lock survives a crashed holder
func WithLockTTL(ttl time.Duration) RedisEntityLockerOption {
	return func(l *RedisEntityLocker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithRetryInterval sets the polling interval while waiting for a lock
func WithRetryInterval(d time.Duration) RedisEntityLockerOption {
	return func(l *RedisEntityLocker) {
		if d > 0 {
			l.retryInterval = d
		}
	}
}

// WithKeyPrefix sets the key namespace
func WithKeyPrefix(prefix string) RedisEntityLockerOption {
	return func(l *RedisEntityLocker) {
		if prefix != "" {
			l.keyPrefix = prefix
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) RedisEntityLockerOption {
	return func(l *RedisEntityLocker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewRedisEntityLocker creates a locker on an existing client
func NewRedisEntityLocker(client redis.UniversalClient, opts ...RedisEntityLockerOption) *RedisEntityLocker {
	l := &RedisEntityLocker{
		client:        client,
		keyPrefix:     defaultKeyPrefix,
		ttl:           defaultLockTTL,
		retryInterval: defaultRetryInterval,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock blocks until the entity's lock is acquired or ctx ends
func (l *RedisEntityLocker) Lock(ctx context.Context, entityID string) (func(context.Context) error, error) {
	key := l.keyPrefix + entityID
	token := uuid.NewString()

	ticker := time.NewTicker(l.retryInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock for %s: %w", entityID, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock for %s: %w", entityID, ctx.Err())
		case <-ticker.C:
		}
	}

	l.logger.Debug("entity lock acquired", zap.String("entity_id", entityID))
	return func(ctx context.Context) error {
		released, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int()
		if err != nil {
			return fmt.Errorf("release lock for %s: %w", entityID, err)
		}
		if released == 0 {
			l.logger.Warn("entity lock expired before release", zap.String("entity_id", entityID))
			return ErrLockNotHeld
		}
		return nil
	}, nil
}
