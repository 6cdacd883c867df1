// Package lock provides the platform-wide single-flight guard for
// settlement runs. Only one run may hold the lock at a time, across every
// process, because all payouts draw from the same funding wallet.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLockHeld = errors.New("settlement run lock already held")

// RunLock serialises settlement runs. Acquire returns a release func on
// success and ErrLockHeld when another run is in flight.
type RunLock interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// RedisLock implements RunLock with SET NX PX, giving a cross-process
// guard with a TTL safety net should a worker die holding the lock.
type RedisLock struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLock(client *redis.Client, ttl time.Duration) *RedisLock {
	return &RedisLock{client: client, ttl: ttl}
}

func (l *RedisLock) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}

	release := func() {
		// Only delete if we still own the lock; the TTL may have expired
		// and another run taken it.
		const script = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`
		l.client.Eval(context.Background(), script, []string{key}, token)
	}
	return release, nil
}

// MemoryLock implements RunLock in-process, for single-node deployments
// and tests.
type MemoryLock struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewMemoryLock() *MemoryLock {
	return &MemoryLock{held: make(map[string]bool)}
}

func (l *MemoryLock) Acquire(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[key] {
		return nil, ErrLockHeld
	}
	l.held[key] = true

	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}
	return release, nil
}
