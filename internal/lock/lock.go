// Package lock provides cluster-wide expiring leases so only one process
// drives a given orchestration at a time.
package lock

import (
	"context"
	"errors"
	"time"

	logx "herald/pkg/logx"
)

var (
	ErrNotAcquired = errors.New("lock: not acquired")
	ErrLost        = errors.New("lock: lease lost")
)

// Lease is a held lock. Refresh extends it; Release gives it up early.
type Lease interface {
	Key() string
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Locker hands out leases. Acquire returns ErrNotAcquired when another owner
// holds an unexpired lease on key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Keep refreshes l every ttl/3 until ctx ends. When a refresh fails, lost is
// called once and Keep returns.
func Keep(ctx context.Context, l Lease, ttl time.Duration, log logx.Logger, lost func(error)) {
	every := max(ttl/3, 100*time.Millisecond)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if err := l.Refresh(ctx, ttl); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("lease refresh failed", logx.String("key", l.Key()), logx.Err(err))
			if lost != nil {
				lost(err)
			}
			return
		}
	}
}
