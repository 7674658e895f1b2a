package reconciliation

import (
	"context"
	"errors"
	"strings"
	"time"

	pkgerrors "poseidon/pkg/errors"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// SweepLockName is the distributed mutex guarding the pending sweep.
const SweepLockName = "poseidon:sweep"

// Locker grants single-runner access across replicas.
type Locker interface {
	// TryLock makes one attempt. acquired is false when another holder has it.
	TryLock(ctx context.Context) (release func(), acquired bool, err error)
}

// RedisLocker is a redsync mutex over go-redis.
type RedisLocker struct {
	rs   *redsync.Redsync
	name string
	ttl  time.Duration
}

// NewRedisLocker creates a locker for name that expires after ttl.
func NewRedisLocker(client *redis.Client, name string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		rs:   redsync.New(goredis.NewPool(client)),
		name: name,
		ttl:  ttl,
	}
}

// TryLock implements Locker.
func (l *RedisLocker) TryLock(ctx context.Context) (func(), bool, error) {
	mutex := l.rs.NewMutex(l.name, redsync.WithExpiry(l.ttl), redsync.WithTries(1))

	if err := mutex.LockContext(ctx); err != nil {
		// Contention surfaces as ErrFailed or a "lock already taken" error depending on the node reply.
		if errors.Is(err, redsync.ErrFailed) || strings.Contains(err.Error(), "lock already taken") {
			return nil, false, nil
		}
		return nil, false, pkgerrors.Wrap(err, "failed to acquire sweep lock")
	}

	release := func() {
		_, _ = mutex.UnlockContext(context.WithoutCancel(ctx))
	}
	return release, true, nil
}

// localLocker always grants the lock; used when no Redis is configured.
type localLocker struct{}

func (localLocker) TryLock(context.Context) (func(), bool, error) {
	return func() {}, true, nil
}
