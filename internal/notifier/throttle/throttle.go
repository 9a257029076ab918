// Package throttle coordinates the system-wide platform throttle window.
//
// The window is one advance-only timestamp: a worker that hits a rate limit
// pushes it forward to now+retryAfter and every worker reads it fresh before
// sending. Stale reads are tolerated; the platform enforces the real limit.
package throttle

import (
	"context"
	"time"

	"herald/internal/eventbus"
)

type Coordinator interface {
	// IsThrottled reports whether sends must wait and for how long.
	IsThrottled(ctx context.Context) (bool, time.Duration, error)
	// ThrottleUntil moves the window to until unless it is already later.
	ThrottleUntil(ctx context.Context, until time.Time) error
	RetryNotBefore(ctx context.Context) (time.Time, error)
}

// Store is the persistence surface of the store-backed coordinator.
type Store interface {
	RetryNotBefore(ctx context.Context) (time.Time, error)
	AdvanceRetryNotBefore(ctx context.Context, until time.Time) (time.Time, error)
}

// Remaining returns how long until notBefore, or zero when it has passed.
func Remaining(now, notBefore time.Time) time.Duration {
	if notBefore.IsZero() || !notBefore.After(now) {
		return 0
	}
	return notBefore.Sub(now)
}

type base struct {
	now func() time.Time
	bus eventbus.Bus
}

func (b base) extended(until time.Time) {
	b.bus.Publish(eventbus.Event{
		Type: eventbus.TypeThrottleExtended,
		Time: b.now(),
		Data: eventbus.ThrottleExtended{Until: until, RetryAfter: Remaining(b.now(), until)},
	})
}

// StoreCoordinator keeps the window in the shared database row.
type StoreCoordinator struct {
	base
	st Store
}

func NewStore(st Store, bus eventbus.Bus) *StoreCoordinator {
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &StoreCoordinator{base: base{now: time.Now, bus: bus}, st: st}
}

func (c *StoreCoordinator) IsThrottled(ctx context.Context) (bool, time.Duration, error) {
	nb, err := c.st.RetryNotBefore(ctx)
	if err != nil {
		return false, 0, err
	}
	rem := Remaining(c.now(), nb)
	return rem > 0, rem, nil
}

func (c *StoreCoordinator) ThrottleUntil(ctx context.Context, until time.Time) error {
	got, err := c.st.AdvanceRetryNotBefore(ctx, until)
	if err != nil {
		return err
	}
	if got.Equal(until) || got.Before(until) {
		c.extended(until)
	}
	return nil
}

func (c *StoreCoordinator) RetryNotBefore(ctx context.Context) (time.Time, error) {
	return c.st.RetryNotBefore(ctx)
}
