// Package orchestrator drives one notification from Started to Sending.
//
// The run is a fixed sequence of checkpointed steps. A step's result is
// persisted when it succeeds; a resumed run replays finished steps from the
// checkpoint store and continues at the first unfinished one. Steps retry
// with backoff on their own; an exhausted step fails the notification and
// the run is never restarted from scratch.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"herald/internal/eventbus"
	"herald/internal/lock"
	"herald/internal/notification"
	"herald/internal/notifier/resolver"
	"herald/internal/storage"
	"herald/internal/task/engine"
	"herald/internal/transport"
	logx "herald/pkg/logx"
)

// Stages recorded on the orchestration checkpoint.
const (
	StageStarted             = "Started"
	StageRecipientsResolving = "RecipientsResolving"
	StageAppInstalling       = "AppInstalling"
	StageSending             = "Sending"
	StageCompleting          = "Completing"
	StageFailed              = "Failed"
)

// ErrBusy is returned by Run when another process holds the orchestration.
var ErrBusy = errors.New("orchestrator: orchestration held by another process")

type Store interface {
	GetNotification(ctx context.Context, id string) (notification.Record, error)
	UpdateNotification(ctx context.Context, rec notification.Record) (notification.Record, error)
	PutSnapshot(ctx context.Context, s notification.ContentSnapshot) error
	ListBatch(ctx context.Context, notificationID, batchKey string) ([]notification.Recipient, error)
	RecordOutcome(ctx context.Context, notificationID, recipientID string, o notification.Outcome, countAttempt bool) (notification.Recipient, error)
	storage.CheckpointStore
}

type Resolver interface {
	Resolve(ctx context.Context, rec notification.Record) (resolver.RecipientsInfo, error)
}

type Ensurer interface {
	EnsureBatch(ctx context.Context, notificationID, batchKey string) error
}

// Config defaults: fanout 8, step retries 5 (500ms..30s), lease ttl 2m,
// force complete after 24h.
type Config struct {
	FanoutConcurrency  int
	StepRetryMax       int
	StepRetryBase      time.Duration
	StepRetryMaxDelay  time.Duration
	LeaseTTL           time.Duration
	ForceCompleteAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.FanoutConcurrency <= 0 {
		c.FanoutConcurrency = 8
	}
	if c.StepRetryMax == 0 {
		c.StepRetryMax = 5
	}
	if c.StepRetryBase <= 0 {
		c.StepRetryBase = 500 * time.Millisecond
	}
	if c.StepRetryMaxDelay <= 0 {
		c.StepRetryMaxDelay = 30 * time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 2 * time.Minute
	}
	if c.ForceCompleteAfter <= 0 {
		c.ForceCompleteAfter = 24 * time.Hour
	}
	return c
}

type Orchestrator struct {
	st     Store
	res    Resolver
	ens    Ensurer
	pub    transport.Publisher
	locker lock.Locker
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time
}

func New(st Store, res Resolver, ens Ensurer, pub transport.Publisher, locker lock.Locker, cfg Config, log logx.Logger, bus eventbus.Bus) *Orchestrator {
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Orchestrator{
		st:     st,
		res:    res,
		ens:    ens,
		pub:    pub,
		locker: locker,
		cfg:    cfg.withDefaults(),
		log:    log.With(logx.Component("orchestrator")),
		bus:    bus,
		now:    time.Now,
	}
}

func (o *Orchestrator) stepOptions() engine.TaskOptions {
	return engine.TaskOptions{
		RetryMax:      o.cfg.StepRetryMax,
		RetryBase:     o.cfg.StepRetryBase,
		RetryMaxDelay: o.cfg.StepRetryMaxDelay,
	}
}

// Run drives (or resumes) the orchestration of notificationID until every
// recipient has been handed to the transport. It returns ErrBusy when the
// lease is held elsewhere.
func (o *Orchestrator) Run(ctx context.Context, notificationID string) error {
	lease, err := o.locker.Acquire(ctx, "orchestration:"+notificationID, o.cfg.LeaseTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		return ErrBusy
	}
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go lock.Keep(runCtx, lease, o.cfg.LeaseTTL, o.log, func(err error) {
		cancel(fmt.Errorf("%w: %v", lock.ErrLost, err))
	})
	defer func() {
		rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer rcancel()
		if err := lease.Release(rctx); err != nil {
			o.log.Warn("lease release failed", logx.Notification(notificationID), logx.Err(err))
		}
	}()

	state, err := o.st.GetOrchestration(runCtx, notificationID)
	switch {
	case errors.Is(err, notification.ErrNotFound):
		state = storage.Orchestration{NotificationID: notificationID, Stage: StageStarted, StartedAt: o.now()}
		if err := o.st.SaveOrchestration(runCtx, state); err != nil {
			return err
		}
	case err != nil:
		return err
	case state.Finished:
		return nil
	}

	r := &run{o: o, id: notificationID, state: state}
	r.replaying.Store(true)
	err = r.drive(runCtx)
	if err == nil {
		return nil
	}
	if cause := context.Cause(runCtx); cause != nil && ctx.Err() == nil {
		// Lease lost: another process owns the run now.
		return cause
	}
	if ctx.Err() != nil {
		// Shutdown; the resume sweep picks the run up again.
		return ctx.Err()
	}
	return o.handleFailure(context.WithoutCancel(ctx), r, err)
}

// handleFailure records err on the notification and closes the run.
func (o *Orchestrator) handleFailure(ctx context.Context, r *run, cause error) error {
	o.log.Error("orchestration failed", logx.Notification(r.id), logx.String("stage", r.state.Stage), logx.Err(cause))
	msg := cause.Error()
	err := o.updateRecord(ctx, r.id, func(rec *notification.Record) bool {
		if rec.Status.Terminal() {
			return false
		}
		rec.Status = notification.StatusFailed
		rec.ErrorMessage = msg
		now := o.now()
		rec.CompletedAt = &now
		return true
	})
	r.state.Stage = StageFailed
	r.state.Finished = true
	r.state.Error = msg
	return errors.Join(cause, err, o.st.SaveOrchestration(ctx, r.state))
}

// updateRecord applies fn to the current record and writes it, retrying on
// version conflicts. fn returns false to skip the write.
func (o *Orchestrator) updateRecord(ctx context.Context, id string, fn func(rec *notification.Record) bool) error {
	for attempt := 0; attempt < 20; attempt++ {
		rec, err := o.st.GetNotification(ctx, id)
		if err != nil {
			return err
		}
		before := rec.Status
		if !fn(&rec) {
			return nil
		}
		out, err := o.st.UpdateNotification(ctx, rec)
		if errors.Is(err, notification.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return err
		}
		if out.Status != before {
			o.bus.Publish(eventbus.Event{Type: eventbus.TypeNotificationStatus, Time: o.now(), Data: eventbus.NotificationStatus{
				NotificationID: out.ID,
				Status:         out.Status.String(),
				Total:          out.TotalRecipientCount,
				Succeeded:      out.Succeeded,
				Failed:         out.Failed,
				Throttled:      out.Throttled,
				Unknown:        out.Unknown,
				Version:        out.Version,
				CompletedAt:    out.CompletedAt,
			}})
		}
		return nil
	}
	return fmt.Errorf("update notification %s: %w", id, notification.ErrVersionConflict)
}
