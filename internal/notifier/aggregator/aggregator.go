// Package aggregator folds per-recipient outcome signals into the counters
// of a notification and completes it on full coverage or when its delivery
// deadline passes.
//
// Every fold is a read-increment-write guarded by the record version; the
// consumed marker for the signal is written in the same transaction, so a
// redelivered signal is counted once.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"herald/internal/eventbus"
	"herald/internal/notification"
	"herald/internal/transport"
	logx "herald/pkg/logx"
)

type Store interface {
	GetNotification(ctx context.Context, id string) (notification.Record, error)
	CommitSignal(ctx context.Context, rec notification.Record, key string) (notification.Record, error)
	ListNotifications(ctx context.Context, statuses ...notification.Status) ([]notification.Record, error)
	CountThrottled(ctx context.Context, notificationID string) (int, error)
}

// Config defaults: max_conflict_retries 25, force_complete_after 24h.
type Config struct {
	MaxConflictRetries int
	ForceCompleteAfter time.Duration
}

var errNotSending = errors.New("aggregator: notification not sending yet")

type Aggregator struct {
	st  Store
	cfg Config
	bus eventbus.Bus
	log logx.Logger
	now func() time.Time
}

func New(st Store, cfg Config, log logx.Logger, bus eventbus.Bus) *Aggregator {
	if cfg.MaxConflictRetries <= 0 {
		cfg.MaxConflictRetries = 25
	}
	if cfg.ForceCompleteAfter <= 0 {
		cfg.ForceCompleteAfter = 24 * time.Hour
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Aggregator{st: st, cfg: cfg, bus: bus, log: log.With(logx.Component("aggregator")), now: time.Now}
}

// ForceCompleteAfter is the delivery deadline measured from sending start.
func (a *Aggregator) ForceCompleteAfter() time.Duration { return a.cfg.ForceCompleteAfter }

// Handle consumes one message of the aggregation queue.
func (a *Aggregator) Handle(ctx context.Context, d transport.Delivery) error {
	s, err := notification.DecodeSignal(d.Message.Body)
	if err != nil || s.NotificationID == "" {
		return fmt.Errorf("%w: signal %q", transport.ErrPoison, d.Message.ID)
	}
	if s.Kind == "" {
		s.Kind = notification.SignalOutcome
	}
	if s.Kind == notification.SignalOutcome && s.RecipientID == "" {
		return fmt.Errorf("%w: outcome signal without recipient", transport.ErrPoison)
	}
	return a.Apply(ctx, s)
}

// Apply folds s into its notification, retrying on version conflicts.
func (a *Aggregator) Apply(ctx context.Context, s notification.Signal) error {
	key := s.ConsumptionKey()
	for attempt := 1; ; attempt++ {
		rec, err := a.st.GetNotification(ctx, s.NotificationID)
		if errors.Is(err, notification.ErrNotFound) {
			a.log.Warn("signal for unknown notification dropped", logx.Notification(s.NotificationID))
			return nil
		}
		if err != nil {
			return err
		}
		if rec.Status.Terminal() {
			// Completed (possibly forced); late signals no longer count.
			return nil
		}
		if rec.Status < notification.StatusSending {
			if s.Kind == notification.SignalForceComplete {
				return nil
			}
			return errNotSending
		}

		next := rec
		switch s.Kind {
		case notification.SignalForceComplete:
			if err := a.forceComplete(ctx, &next); err != nil {
				return err
			}
		default:
			if !count(&next, s.Result) {
				a.log.Warn("signal with unknown result dropped",
					logx.Notification(s.NotificationID), logx.String("result", string(s.Result)))
				return nil
			}
			a.completeIfCovered(&next)
		}

		out, err := a.st.CommitSignal(ctx, next, key)
		switch {
		case err == nil:
			a.committed(rec, out, s)
			return nil
		case errors.Is(err, notification.ErrAlreadyConsumed):
			return nil
		case errors.Is(err, notification.ErrVersionConflict):
			a.bus.Publish(eventbus.Event{Type: eventbus.TypeAggregatorConflict, Time: a.now(), Data: s.NotificationID})
			if attempt >= a.cfg.MaxConflictRetries {
				return fmt.Errorf("aggregate %s: %w after %d attempts", s.NotificationID, err, attempt)
			}
			if err := sleepCtx(ctx, conflictBackoff(attempt)); err != nil {
				return err
			}
		default:
			return err
		}
	}
}

// count increments the counter matching r. RecipientNotFound is a failed
// delivery for coverage purposes.
func count(rec *notification.Record, r notification.ResultType) bool {
	switch r {
	case notification.ResultSucceeded:
		rec.Succeeded++
	case notification.ResultFailed, notification.ResultRecipientNotFound:
		rec.Failed++
	case notification.ResultThrottled:
		rec.Throttled++
	default:
		return false
	}
	return true
}

func (a *Aggregator) completeIfCovered(rec *notification.Record) {
	if !rec.Covered() {
		return
	}
	switch {
	case rec.Status == notification.StatusCanceling:
		rec.Status = notification.StatusCanceled
	case rec.TotalRecipientCount > 0 && rec.Failed == rec.TotalRecipientCount:
		rec.Status = notification.StatusFailed
	default:
		rec.Status = notification.StatusSent
	}
	now := a.now()
	rec.CompletedAt = &now
}

// forceComplete closes rec regardless of coverage. Recipients without an
// outcome become Unknown; those left throttled are reported in Throttled.
func (a *Aggregator) forceComplete(ctx context.Context, rec *notification.Record) error {
	throttled, err := a.st.CountThrottled(ctx, rec.ID)
	if err != nil {
		return err
	}
	rec.Unknown = max(0, rec.TotalRecipientCount-rec.Succeeded-rec.Failed)
	rec.Throttled = max(rec.Throttled, throttled)
	if rec.Status == notification.StatusCanceling {
		rec.Status = notification.StatusCanceled
	} else {
		rec.Status = notification.StatusSent
	}
	now := a.now()
	rec.CompletedAt = &now
	return nil
}

func (a *Aggregator) committed(before, after notification.Record, s notification.Signal) {
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeNotificationStatus, Time: a.now(), Data: StatusEvent(after)})
	if before.Status == after.Status {
		return
	}
	fields := []logx.Field{
		logx.Notification(after.ID),
		logx.String("status", after.Status.String()),
		logx.Int("total", after.TotalRecipientCount),
		logx.Int("succeeded", after.Succeeded),
		logx.Int("failed", after.Failed),
		logx.Int("unknown", after.Unknown),
	}
	if s.Kind == notification.SignalForceComplete {
		a.log.Warn("notification force-completed", fields...)
		return
	}
	a.log.Info("notification completed", fields...)
}

// StatusEvent converts a record to its event payload.
func StatusEvent(r notification.Record) eventbus.NotificationStatus {
	return eventbus.NotificationStatus{
		NotificationID: r.ID,
		Status:         r.Status.String(),
		Total:          r.TotalRecipientCount,
		Succeeded:      r.Succeeded,
		Failed:         r.Failed,
		Throttled:      r.Throttled,
		Unknown:        r.Unknown,
		Version:        r.Version,
		CompletedAt:    r.CompletedAt,
	}
}

func conflictBackoff(attempt int) time.Duration {
	base := time.Duration(min(attempt, 10)) * 2 * time.Millisecond
	return base + time.Duration(rand.Int63n(int64(base)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Emit publishes signals on the aggregation queue in transport-sized
// chunks. The message id is the signal's consumption key so brokers that
// dedup by id collapse repeats early.
func Emit(ctx context.Context, pub transport.Publisher, signals ...notification.Signal) error {
	msgs := make([]transport.Message, 0, min(len(signals), transport.MaxBatch))
	for i, s := range signals {
		body, err := s.Encode()
		if err != nil {
			return err
		}
		msgs = append(msgs, transport.Message{ID: s.NotificationID + ":" + s.ConsumptionKey(), Body: body})
		if len(msgs) == transport.MaxBatch || i == len(signals)-1 {
			if err := pub.Publish(ctx, transport.QueueAggregate, msgs...); err != nil {
				return err
			}
			msgs = msgs[:0]
		}
	}
	return nil
}
