package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/sage/pkg/redis"
)

var (
	// ErrSyncInProgress means another runner holds the (workspace, source) lock.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrLeaseLost means the lock expired or was taken over while held.
	ErrLeaseLost = errors.New("sync lock lost")
)

// Lease is a held lock. Extend resets its expiry to ttl from now and returns
// ErrLeaseLost when the lock is no longer held.
type Lease interface {
	Extend(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Locker grants at most one lease per key. Acquire does not wait and returns
// ErrSyncInProgress when the key is held.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

func lockKey(workspaceID uuid.UUID, source string) string {
	return fmt.Sprintf("sync:%s:%s", workspaceID, source)
}

// RedisLocker shares locks across every worker process.
type RedisLocker struct {
	locker *redis.Locker
}

func NewRedisLocker(locker *redis.Locker) *RedisLocker {
	return &RedisLocker{locker: locker}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	lock, err := l.locker.Acquire(ctx, key, ttl)
	if errors.Is(err, redis.ErrLockNotAcquired) {
		return nil, ErrSyncInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	return &redisLease{lock: lock}, nil
}

type redisLease struct {
	lock *redis.Lock
}

func (l *redisLease) Extend(ctx context.Context, ttl time.Duration) error {
	err := l.lock.Extend(ctx, ttl)
	if errors.Is(err, redis.ErrLockNotHeld) {
		return ErrLeaseLost
	}
	return err
}

func (l *redisLease) Release(ctx context.Context) error {
	return l.lock.Release(ctx)
}

// LocalLocker is an in-process keyed lock for single node deployments and
// tests. Leases do not expire.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: map[string]struct{}{}}
}

func (l *LocalLocker) Acquire(_ context.Context, key string, _ time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, ErrSyncInProgress
	}
	l.held[key] = struct{}{}
	return &localLease{locker: l, key: key}, nil
}

type localLease struct {
	locker   *LocalLocker
	key      string
	released bool
}

func (l *localLease) Extend(context.Context, time.Duration) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	if l.released {
		return ErrLeaseLost
	}
	return nil
}

func (l *localLease) Release(context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	if !l.released {
		l.released = true
		delete(l.locker.held, l.key)
	}
	return nil
}
