package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"herald/internal/notification"
	"herald/internal/notifier/aggregator"
	"herald/internal/task/engine"
	logx "herald/pkg/logx"
)

// Submitter is the engine surface used to run orchestrations in the
// background.
type Submitter interface {
	Submit(ctx context.Context, t engine.Task) error
}

// Task wraps Run for the task engine. Runs of the same notification never
// overlap within a process; across processes the lease decides.
func (o *Orchestrator) Task(id string) engine.Task {
	return engine.Task{
		Name:    "orchestrate",
		Key:     "orchestrate:" + id,
		Timeout: o.cfg.ForceCompleteAfter,
		Opt: engine.TaskOptions{
			Overlap:             engine.OverlapSkipIfRunning,
			RetryMax:            -1,
			CircuitTripFailures: -1,
		},
		Run: func(ctx context.Context) error {
			err := o.Run(ctx, id)
			if errors.Is(err, ErrBusy) {
				o.log.Debug("orchestration busy elsewhere", logx.Notification(id))
				return nil
			}
			return err
		},
	}
}

// Dispatch starts the orchestration of a Draft notification in the
// background. Dispatching a notification that already left Draft only
// resumes its run.
func (o *Orchestrator) Dispatch(ctx context.Context, eng Submitter, id string) (notification.Record, error) {
	rec, err := o.st.GetNotification(ctx, id)
	if err != nil {
		return notification.Record{}, err
	}
	if rec.Status.Terminal() {
		return rec, fmt.Errorf("dispatch %s in status %s: %w", id, rec.Status, notification.ErrIllegalStatus)
	}
	if _, err := rec.Audience.Kind(); err != nil {
		return rec, err
	}
	if err := eng.Submit(ctx, o.Task(id)); err != nil {
		return rec, err
	}
	o.log.Info("notification dispatched", logx.Notification(id), logx.String("status", rec.Status.String()))
	return rec, nil
}

// Resume resubmits every unfinished orchestration. Runs held by another
// process are skipped by the lease.
func (o *Orchestrator) Resume(ctx context.Context, eng Submitter) error {
	list, err := o.st.ListOrchestrations(ctx, false)
	if err != nil {
		return err
	}
	var errs []error
	for _, st := range list {
		if err := eng.Submit(ctx, o.Task(st.NotificationID)); err != nil {
			errs = append(errs, fmt.Errorf("resume %s: %w", st.NotificationID, err))
		}
	}
	if len(list) > 0 {
		o.log.Debug("orchestrations resumed", logx.Int("count", len(list)))
	}
	return errors.Join(errs...)
}

// Cancel stops a notification. A Draft is canceled at once; a running one
// moves to Canceling and settles as Canceled once every recipient is
// accounted for.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (notification.Record, error) {
	var illegal notification.Status = -1
	err := o.updateRecord(ctx, id, func(rec *notification.Record) bool {
		switch {
		case rec.Status.Terminal():
			illegal = rec.Status
			return false
		case rec.Status == notification.StatusCanceling:
			return false
		case rec.Status == notification.StatusDraft:
			o.markCanceled(rec)
			return true
		}
		rec.Status = notification.StatusCanceling
		return true
	})
	if err != nil {
		return notification.Record{}, err
	}
	rec, err := o.st.GetNotification(ctx, id)
	if err != nil {
		return rec, err
	}
	if illegal >= 0 {
		return rec, fmt.Errorf("cancel %s in status %s: %w", id, illegal, notification.ErrIllegalStatus)
	}
	o.log.Info("notification cancel requested", logx.Notification(id), logx.String("status", rec.Status.String()))
	return rec, nil
}

// ForceComplete asks the aggregator to close out a Sending notification now.
func (o *Orchestrator) ForceComplete(ctx context.Context, id string) error {
	rec, err := o.st.GetNotification(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != notification.StatusSending && rec.Status != notification.StatusCanceling {
		return fmt.Errorf("force complete %s in status %s: %w", id, rec.Status, notification.ErrIllegalStatus)
	}
	return aggregator.Emit(ctx, o.pub, notification.Signal{
		Kind:           notification.SignalForceComplete,
		NotificationID: id,
		At:             o.now(),
	})
}

// Progress is a point-in-time view of an orchestration.
type Progress struct {
	Stage     string    `json:"stage"`
	Finished  bool      `json:"finished"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Progress reports the checkpoint of id, or ErrNotFound before the first run.
func (o *Orchestrator) Progress(ctx context.Context, id string) (Progress, error) {
	st, err := o.st.GetOrchestration(ctx, id)
	if err != nil {
		return Progress{}, err
	}
	return Progress{Stage: st.Stage, Finished: st.Finished, Error: st.Error, StartedAt: st.StartedAt, UpdatedAt: st.UpdatedAt}, nil
}
