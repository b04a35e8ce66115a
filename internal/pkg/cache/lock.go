package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned when a lock could not be taken before the wait
// deadline.
var ErrLockTimeout = errors.New("cache: lock wait timed out")

const lockKeyPrefix = "lock:"

// releaseScript deletes the key only while it still holds our token, so a
// lock that expired and was re-acquired by someone else is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out per-name mutual exclusion across processes.
type Locker interface {
	Acquire(ctx context.Context, name string) (Lock, error)
}

// Lock is a held lock. Release is safe to call more than once.
type Lock interface {
	Release(ctx context.Context) error
}

// RedisLocker implements Locker with SET NX PX and a token-checked release.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
}

// NewRedisLocker returns a locker whose locks expire after ttl and whose
// Acquire polls for at most wait.
func NewRedisLocker(client *redis.Client, ttl, wait time.Duration) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl, wait: wait, retry: 50 * time.Millisecond}
}

type redisLock struct {
	client *redis.Client
	key    string
	token  string
}

// Acquire blocks until the lock is free, ctx is done, or the wait expires.
func (l *RedisLocker) Acquire(ctx context.Context, name string) (Lock, error) {
	key := lockKeyPrefix + name
	token := uuid.New().String()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", name, err)
		}
		if ok {
			return &redisLock{client: l.client, key: key, token: token}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, name)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}
}

func (k *redisLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, k.client, []string{k.key}, k.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", k.key, err)
	}
	return nil
}

// LocalLocker is an in-process Locker for single-binary runs and tests.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewLocalLocker returns an empty in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]chan struct{})}
}

type localLock struct {
	once    sync.Once
	release func()
}

// Acquire blocks until name is free or ctx is done.
func (l *LocalLocker) Acquire(ctx context.Context, name string) (Lock, error) {
	for {
		l.mu.Lock()
		held, busy := l.locks[name]
		if !busy {
			ch := make(chan struct{})
			l.locks[name] = ch
			l.mu.Unlock()
			return &localLock{release: func() {
				l.mu.Lock()
				delete(l.locks, name)
				l.mu.Unlock()
				close(ch)
			}}, nil
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-held:
		}
	}
}

func (k *localLock) Release(context.Context) error {
	k.once.Do(k.release)
	return nil
}
