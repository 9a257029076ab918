// Package sender delivers one notification to one recipient per dispatch
// message.
//
// Handle is an idempotent check-then-act consumer: a recipient whose row
// already holds a terminal status is never sent to again, throttled sends are
// re-enqueued with an explicit delay, and every terminal outcome produces
// exactly one aggregation signal.
package sender

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"herald/internal/eventbus"
	"herald/internal/notification"
	"herald/internal/notifier/throttle"
	"herald/internal/platform"
	"herald/internal/transport"
	logx "herald/pkg/logx"
)

type Store interface {
	GetNotification(ctx context.Context, id string) (notification.Record, error)
	GetSnapshot(ctx context.Context, notificationID string) (notification.ContentSnapshot, error)
	GetRecipient(ctx context.Context, notificationID, recipientID string) (notification.Recipient, error)
	RecordOutcome(ctx context.Context, notificationID, recipientID string, o notification.Outcome, countAttempt bool) (notification.Recipient, error)
}

// Config for the send worker.
//
// Defaults: max_attempts 5, rate 25/s with burst equal to the rate,
// send_timeout 10s, min throttle delay 1s.
type Config struct {
	MaxAttempts      int
	RatePerSec       int
	Burst            int
	SendTimeout      time.Duration
	MinThrottleDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 25
	}
	if c.Burst <= 0 {
		c.Burst = c.RatePerSec
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.MinThrottleDelay <= 0 {
		c.MinThrottleDelay = time.Second
	}
	return c
}

type Worker struct {
	adapter platform.Adapter
	st      Store
	thr     throttle.Coordinator
	pub     transport.Publisher
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
}
