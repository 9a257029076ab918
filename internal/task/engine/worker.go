package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"herald/internal/eventbus"
	logx "herald/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan queuedTask, idx int) {
	// Per-worker RNG keeps jitter off the global lock.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(idx)<<32))

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, stopCh, qt, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	defer qt.releaseState()

	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)
	if s.cfg.MaxQueueDelay > 0 && queueDelay > s.cfg.MaxQueueDelay {
		s.onStaleDropped(start, qt.task, queueDelay)
		s.record(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		return
	}

	log := s.log.With(logx.String("task", qt.task.Name), logx.String("id", qt.task.ID))
	attempts, err := runAttempts(ctx, stopCh, qt.opt, qt.timeout, rng, log, qt.task.Run)
	var nr noRetryError
	if errors.As(err, &nr) {
		err = nr.err
	}

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		log.Warn("task failed", logx.Err(err), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskFailed, Data: eventbus.TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Attempts: attempts, Duration: dur, Error: item.Error}})
	} else if dur >= 750*time.Millisecond {
		log.Info("task completed", logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
	} else {
		log.Debug("task completed", logx.Duration("dur", dur), logx.Int("attempts", attempts))
	}

	s.circuitRecordResult(time.Now(), qt.task.Name, qt.opt, err)
	s.record(item)
}

// runAttempts runs fn up to 1+opt.RetryMax times. Panics become errors and
// NoRetry errors stop the loop.
func runAttempts(ctx context.Context, stopCh <-chan struct{}, opt TaskOptions, timeout time.Duration, rng *rand.Rand, log logx.Logger, fn func(context.Context) error) (attempts int, err error) {
	maxAttempts := 1 + max(opt.RetryMax, 0)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		err = runOnce(ctx, timeout, log, fn)
		if err == nil {
			return attempts, nil
		}
		if IsNoRetry(err) || attempt == maxAttempts {
			break
		}

		delay := backoffDelayWithHint(opt, attempt, err, rng)
		log.Debug("task retry scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return attempts, ctx.Err()
		case <-stopCh:
			tmr.Stop()
			return attempts, ErrStopped
		case <-tmr.C:
		}
	}
	return attempts, err
}

func runOnce(ctx context.Context, timeout time.Duration, log logx.Logger, fn func(context.Context) error) (err error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(runCtx)
}

func backoffDelayWithHint(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if err == nil || !errors.As(err, &ra) {
		return backoffDelay(opt, retry, rng)
	}
	maxD := opt.RetryMaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}
	d := min(max(ra.RetryAfter(), 0), maxD)
	// Jitter on top of the hint so many callers do not wake together.
	return min(jitter(d, opt.RetryJitter, rng), maxD)
}

func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	base := opt.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := opt.RetryMaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}
	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	return min(jitter(d, opt.RetryJitter, rng), maxD)
}

func jitter(d time.Duration, j float64, rng *rand.Rand) time.Duration {
	if j <= 0 {
		j = 0.2
	}
	if d <= 0 || rng == nil {
		return d
	}
	r := (rng.Float64()*2 - 1) * j
	return max(time.Duration(float64(d)*(1+r)), 0)
}
