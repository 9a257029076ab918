package orchestrator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"herald/internal/notification"
	"herald/internal/notifier/aggregator"
	"herald/internal/notifier/resolver"
	"herald/internal/task/engine"
	"herald/internal/transport"
	logx "herald/pkg/logx"
)

type startResult struct {
	Stop   bool   `json:"stop"`
	Status string `json:"status"`
}

type sendingResult struct {
	Stop      bool      `json:"stop"`
	Status    string    `json:"status"`
	Total     int       `json:"total"`
	StartedAt time.Time `json:"started_at"`
}

type dispatchResult struct {
	Dispatched int `json:"dispatched"`
	Reemitted  int `json:"reemitted"`
}

// drive is the orchestration body. Everything with side effects runs inside
// a step so a replay takes the same path.
func (r *run) drive(ctx context.Context) error {
	var start startResult
	if err := r.step(ctx, "start", &start, r.start); err != nil {
		return err
	}
	if start.Stop {
		r.info("orchestration ended before dispatch", logx.String("status", start.Status))
		return r.finish(ctx)
	}

	if err := r.stage(ctx, StageRecipientsResolving); err != nil {
		return err
	}
	var info resolver.RecipientsInfo
	if err := r.step(ctx, "resolve", &info, func(ctx context.Context) (any, error) {
		rec, err := r.o.st.GetNotification(ctx, r.id)
		if err != nil {
			return nil, err
		}
		return r.o.res.Resolve(ctx, rec)
	}); err != nil {
		return err
	}
	r.info("recipients resolved", logx.Int("total", info.TotalCount), logx.Int("batches", len(info.BatchKeys)))

	if info.NeedsConversation {
		if err := r.stage(ctx, StageAppInstalling); err != nil {
			return err
		}
		if err := r.step(ctx, "installing", nil, func(ctx context.Context) (any, error) {
			return nil, r.o.updateRecord(ctx, r.id, func(rec *notification.Record) bool {
				return advance(rec, notification.StatusInstallingApp)
			})
		}); err != nil {
			return err
		}
		// A batch that cannot get conversations leaves its rows without one;
		// the send workers fail those individually.
		failed := r.fanOut(ctx, "ensure", info.BatchKeys, func(ctx context.Context, key string) (any, error) {
			return nil, r.o.ens.EnsureBatch(ctx, r.id, key)
		})
		if failed > 0 {
			r.o.log.ForNotification(r.id).Warn("conversation batches failed", logx.Int("batches", failed))
		}
	}

	if err := r.stage(ctx, StageSending); err != nil {
		return err
	}
	var sending sendingResult
	if err := r.step(ctx, "sending", &sending, func(ctx context.Context) (any, error) {
		return r.startSending(ctx, info.TotalCount)
	}); err != nil {
		return err
	}
	if sending.Stop {
		r.info("orchestration ended before dispatch", logx.String("status", sending.Status))
		return r.finish(ctx)
	}

	if err := r.step(ctx, "force-complete", nil, func(ctx context.Context) (any, error) {
		delay := r.o.cfg.ForceCompleteAfter - r.elapsedSince(sending.StartedAt)
		return nil, r.o.scheduleForceComplete(ctx, r.id, delay)
	}); err != nil {
		return err
	}

	if err := r.fanOutStrict(ctx, "dispatch", info.BatchKeys, r.dispatchBatch); err != nil {
		return err
	}

	if err := r.stage(ctx, StageCompleting); err != nil {
		return err
	}
	r.info("dispatch handed to transport", logx.Int("total", sending.Total), logx.Int("batches", len(info.BatchKeys)))
	return r.finish(ctx)
}

func (r *run) start(ctx context.Context) (any, error) {
	rec, err := r.o.st.GetNotification(ctx, r.id)
	if err != nil {
		return nil, err
	}
	if _, err := rec.Audience.Kind(); err != nil {
		return nil, engine.NoRetry(err)
	}
	var res startResult
	err = r.o.updateRecord(ctx, r.id, func(rec *notification.Record) bool {
		res = startResult{Status: rec.Status.String()}
		switch {
		case rec.Status.Terminal():
			res.Stop = true
			return false
		case rec.Status == notification.StatusCanceling:
			res.Stop = true
			res.Status = notification.StatusCanceled.String()
			r.o.markCanceled(rec)
			return true
		}
		return advance(rec, notification.StatusSyncingRecipients)
	})
	if err != nil || res.Stop {
		return res, err
	}
	err = r.o.st.PutSnapshot(ctx, notification.ContentSnapshot{
		NotificationID: rec.ID,
		Title:          rec.Title,
		Content:        rec.Content,
		Format:         rec.Format,
		CreatedAt:      r.o.now(),
	})
	return res, err
}

// startSending freezes the recipient total and flips the notification to
// Sending. A cancel that arrived before this point ends the run.
func (r *run) startSending(ctx context.Context, total int) (sendingResult, error) {
	var res sendingResult
	err := r.o.updateRecord(ctx, r.id, func(rec *notification.Record) bool {
		res = sendingResult{Status: rec.Status.String(), Total: rec.TotalRecipientCount}
		if rec.SendingStartedAt != nil {
			res.StartedAt = *rec.SendingStartedAt
		}
		switch {
		case rec.Status.Terminal():
			res.Stop = true
			return false
		case rec.Status == notification.StatusCanceling:
			res.Stop = true
			res.Status = notification.StatusCanceled.String()
			r.o.markCanceled(rec)
			return true
		case rec.Status >= notification.StatusSending:
			return false
		}
		now := r.o.now()
		rec.Status = notification.StatusSending
		rec.TotalRecipientCount = total
		rec.SendingStartedAt = &now
		res = sendingResult{Status: rec.Status.String(), Total: total, StartedAt: now}
		if total == 0 {
			rec.Status = notification.StatusSent
			rec.CompletedAt = &now
			res.Status = rec.Status.String()
			res.Stop = true
		}
		return true
	})
	return res, err
}

// dispatchBatch hands every pending row of a batch to the send workers and
// re-emits the signals of rows that already finished, so a replayed batch
// cannot leave the aggregator short.
func (r *run) dispatchBatch(ctx context.Context, key string) (any, error) {
	rows, err := r.o.st.ListBatch(ctx, r.id, key)
	if err != nil {
		return nil, err
	}
	var (
		msgs    []transport.Message
		signals []notification.Signal
	)
	for _, row := range rows {
		if !row.Pending() {
			if result, ok := notification.ResultFor(row.DeliveryStatus); ok {
				signals = append(signals, notification.Signal{
					Kind:           notification.SignalOutcome,
					NotificationID: r.id,
					RecipientID:    row.RecipientID,
					Result:         result,
					At:             r.o.now(),
				})
			}
			continue
		}
		body, err := notification.DispatchMessage{NotificationID: r.id, RecipientID: row.RecipientID}.Encode()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, transport.Message{ID: r.id + ":" + row.RecipientID, Body: body})
	}
	for i := 0; i < len(msgs); i += transport.MaxBatch {
		end := min(i+transport.MaxBatch, len(msgs))
		if err := r.o.pub.Publish(ctx, transport.QueueDispatch, msgs[i:end]...); err != nil {
			return nil, fmt.Errorf("publish batch %s: %w", key, err)
		}
	}
	if err := aggregator.Emit(ctx, r.o.pub, signals...); err != nil {
		return nil, fmt.Errorf("emit batch %s: %w", key, err)
	}
	return dispatchResult{Dispatched: len(msgs), Reemitted: len(signals)}, nil
}

// fanOut runs one step per batch key and returns how many failed. Failures
// do not stop the other batches.
func (r *run) fanOut(ctx context.Context, prefix string, keys []string, fn func(ctx context.Context, key string) (any, error)) int {
	var g errgroup.Group
	g.SetLimit(r.o.cfg.FanoutConcurrency)
	errs := make([]error, len(keys))
	for i, key := range keys {
		g.Go(func() error {
			errs[i] = r.step(ctx, prefix+":"+key, nil, func(ctx context.Context) (any, error) { return fn(ctx, key) })
			return nil
		})
	}
	_ = g.Wait()
	failed := 0
	for i, err := range errs {
		if err != nil {
			failed++
			r.o.log.ForNotification(r.id).Warn("batch step failed", logx.String("step", prefix+":"+keys[i]), logx.Err(err))
		}
	}
	return failed
}

// fanOutStrict is fanOut where the first failure fails the run.
func (r *run) fanOutStrict(ctx context.Context, prefix string, keys []string, fn func(ctx context.Context, key string) (any, error)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.o.cfg.FanoutConcurrency)
	for _, key := range keys {
		g.Go(func() error {
			return r.step(gctx, prefix+":"+key, nil, func(ctx context.Context) (any, error) { return fn(ctx, key) })
		})
	}
	return g.Wait()
}

func (o *Orchestrator) scheduleForceComplete(ctx context.Context, id string, delay time.Duration) error {
	body, err := notification.Signal{Kind: notification.SignalForceComplete, NotificationID: id, At: o.now()}.Encode()
	if err != nil {
		return err
	}
	return o.pub.PublishAfter(ctx, transport.QueueAggregate, max(delay, 0), transport.Message{ID: id + ":force-complete", Body: body})
}

func (o *Orchestrator) markCanceled(rec *notification.Record) {
	now := o.now()
	rec.Status = notification.StatusCanceled
	rec.CompletedAt = &now
}

// advance moves rec forward to to; it never moves a status back.
func advance(rec *notification.Record, to notification.Status) bool {
	if rec.Status >= to || !notification.CanTransition(rec.Status, to) {
		return false
	}
	rec.Status = to
	return true
}
