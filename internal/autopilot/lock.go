package autopilot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DispatchLockName serializes the select → gate → dispatch path.
const DispatchLockName = "conveyor/dispatch"

// ErrLockTimeout is returned when a lock could not be acquired before ctx ended.
var ErrLockTimeout = errors.New("timed out waiting for lock")

// Locker provides named mutual exclusion. Acquire blocks until the lock is
// held or ctx is done; the returned func releases it.
type Locker interface {
	Acquire(ctx context.Context, name string) (unlock func(), err error)
}

// PRLockName is the per-pull-request lock used by evaluation and reconciliation.
func PRLockName(prNumber int) string {
	return fmt.Sprintf("conveyor/pr/%d", prNumber)
}

// LocalLocker is a process-wide named lock.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]chan struct{})}
}

func (l *LocalLocker) slot(name string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[name] = ch
	}
	return ch
}

// Acquire implements Locker.
func (l *LocalLocker) Acquire(ctx context.Context, name string) (func(), error) {
	ch := l.slot(name)
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w %q: %v", ErrLockTimeout, name, ctx.Err())
	}
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker shares the lock between processes through Redis (SET NX PX).
// The TTL bounds how long a crashed holder can block others.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	retry  time.Duration
}

// NewRedisLocker creates a Redis-backed locker.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLocker{client: client, ttl: ttl, retry: 250 * time.Millisecond}
}

// NewRedisLockerFromURL parses a redis:// URL and creates a locker.
func NewRedisLockerFromURL(url string, ttl time.Duration) (*RedisLocker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return NewRedisLocker(redis.NewClient(opts), ttl), nil
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, name string) (func(), error) {
	token := uuid.NewString()
	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, name, token, l.ttl).Result()
		if err != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("acquire %q: %w", name, err)
		}
		if ok {
			return func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = releaseScript.Run(ctx, l.client, []string{name}, token).Err()
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w %q: %v", ErrLockTimeout, name, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close releases the Redis client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
