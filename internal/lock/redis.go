package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// RedisLocker keeps leases in Redis using redislock.
type RedisLocker struct {
	client *redislock.Client
	prefix string
}

func NewRedisLocker(rdb redis.UniversalClient, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "herald:lock:"
	}
	return &RedisLocker{client: redislock.New(rdb), prefix: prefix}
}

func (r *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	l, err := r.client.Obtain(ctx, r.prefix+key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrNotAcquired
	}
	if err != nil {
		return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	return &redisLease{l: l, key: key}, nil
}

type redisLease struct {
	l   *redislock.Lock
	key string
}

func (l *redisLease) Key() string { return l.key }

func (l *redisLease) Refresh(ctx context.Context, ttl time.Duration) error {
	err := l.l.Refresh(ctx, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return ErrLost
	}
	return err
}

func (l *redisLease) Release(ctx context.Context) error {
	err := l.l.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}
