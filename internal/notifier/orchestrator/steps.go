package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"herald/internal/eventbus"
	"herald/internal/notification"
	"herald/internal/storage"
	"herald/internal/task/engine"
	logx "herald/pkg/logx"
)

// run is the state of one Run call.
type run struct {
	o     *Orchestrator
	id    string
	state storage.Orchestration
	// replaying stays true while every step so far came from the checkpoint
	// store; body log lines are suppressed until live work starts.
	replaying atomic.Bool
}

// step runs fn once per (notification, key). The JSON result of a finished
// step is decoded into out on replay, and also on the first run so both
// paths observe the same value.
func (r *run) step(ctx context.Context, key string, out any, fn func(ctx context.Context) (any, error)) error {
	o := r.o
	prev, err := o.st.GetStep(ctx, r.id, key)
	if err == nil && prev.Status == storage.StepDone {
		o.bus.Publish(eventbus.Event{Type: eventbus.TypeOrchestrationStep, Time: o.now(), Data: eventbus.OrchestrationStep{
			NotificationID: r.id, Step: key, Replayed: true,
		}})
		return decodeResult(prev.Result, out)
	}
	if err != nil && !errors.Is(err, notification.ErrNotFound) {
		return err
	}
	r.replaying.Store(false)

	start := o.now()
	attempts := prev.Attempts
	var result any
	err = engine.Do(ctx, o.stepOptions(), func(ctx context.Context) error {
		attempts++
		v, err := fn(ctx)
		result = v
		return err
	})
	ev := eventbus.OrchestrationStep{NotificationID: r.id, Step: key, Duration: o.now().Sub(start)}
	if err != nil {
		ev.Err = err.Error()
		o.bus.Publish(eventbus.Event{Type: eventbus.TypeOrchestrationStep, Time: o.now(), Data: ev})
		if ctx.Err() == nil {
			_ = o.st.SaveStep(context.WithoutCancel(ctx), storage.Step{
				NotificationID: r.id, Key: key, Status: storage.StepFailed, Attempts: attempts, Error: err.Error(),
			})
		}
		return fmt.Errorf("step %s: %w", key, err)
	}

	var b []byte
	if result != nil {
		if b, err = json.Marshal(result); err != nil {
			return fmt.Errorf("step %s: encode result: %w", key, err)
		}
	}
	if err := o.st.SaveStep(ctx, storage.Step{
		NotificationID: r.id, Key: key, Status: storage.StepDone, Attempts: attempts, Result: b,
	}); err != nil {
		return fmt.Errorf("step %s: checkpoint: %w", key, err)
	}
	o.bus.Publish(eventbus.Event{Type: eventbus.TypeOrchestrationStep, Time: o.now(), Data: ev})
	return decodeResult(b, out)
}

func decodeResult(b []byte, out any) error {
	if out == nil || len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, out)
}

// stage moves the checkpoint to a new stage.
func (r *run) stage(ctx context.Context, name string) error {
	if r.state.Stage == name {
		return nil
	}
	r.state.Stage = name
	return r.o.st.SaveOrchestration(ctx, r.state)
}

func (r *run) finish(ctx context.Context) error {
	r.state.Finished = true
	return r.o.st.SaveOrchestration(ctx, r.state)
}

// info logs only once the run does live work.
func (r *run) info(msg string, fields ...logx.Field) {
	if r.replaying.Load() {
		return
	}
	r.o.log.ForNotification(r.id).Info(msg, fields...)
}

func (r *run) elapsedSince(t time.Time) time.Duration { return r.o.now().Sub(t) }
