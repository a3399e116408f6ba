package locks

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"

	"github.com/rendis/loom/pkg/schema"
)

// RedisLocker is a distributed Locker built on redsync. A held lock is
// extended in the background until released, so long workflow tasks do not
// lose it mid-flight.
type RedisLocker struct {
	rs         *redsync.Redsync
	prefix     string
	expiry     time.Duration
	retryDelay time.Duration
	logger     *slog.Logger
}

// RedisLockerOption configures a RedisLocker.
type RedisLockerOption func(*RedisLocker)

// WithExpiry sets the lock TTL. The lock is extended every expiry/2.
func WithExpiry(d time.Duration) RedisLockerOption {
	return func(l *RedisLocker) { l.expiry = d }
}

// WithRetryDelay sets the delay between acquisition attempts.
func WithRetryDelay(d time.Duration) RedisLockerOption {
	return func(l *RedisLocker) { l.retryDelay = d }
}

// WithLogger sets the logger used for extension failures.
func WithLogger(logger *slog.Logger) RedisLockerOption {
	return func(l *RedisLocker) { l.logger = logger }
}

// NewRedisLocker creates a RedisLocker on the given client.
func NewRedisLocker(client *redis.Client, prefix string, opts ...RedisLockerOption) *RedisLocker {
	if prefix == "" {
		prefix = "loom:lock:"
	}
	l := &RedisLocker{
		rs:         redsync.New(goredis.NewPool(client)),
		prefix:     prefix,
		expiry:     30 * time.Second,
		retryDelay: 25 * time.Millisecond,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	// Tries is effectively unbounded; ctx bounds the wait.
	mutex := l.rs.NewMutex(l.prefix+key,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(1<<30),
		redsync.WithRetryDelay(l.retryDelay),
	)
	if err := mutex.LockContext(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodeTimeout, "acquire lock %s", key).WithCause(err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(l.expiry / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if ok, err := mutex.Extend(); !ok || err != nil {
					l.logger.Warn("lock extension failed", "key", key, "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			if _, err := mutex.Unlock(); err != nil {
				l.logger.Warn("lock release failed", "key", key, "error", err)
			}
		})
	}, nil
}

var _ Locker = (*RedisLocker)(nil)
