package sender

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"herald/internal/eventbus"
	"herald/internal/notification"
	"herald/internal/notifier/aggregator"
	"herald/internal/notifier/throttle"
	"herald/internal/platform"
	"herald/internal/transport"
	logx "herald/pkg/logx"
)

func New(adapter platform.Adapter, st Store, thr throttle.Coordinator, pub transport.Publisher, cfg Config, log logx.Logger, bus eventbus.Bus) *Worker {
	cfg = cfg.withDefaults()
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Worker{
		adapter: adapter,
		st:      st,
		thr:     thr,
		pub:     pub,
		bus:     bus,
		log:     log.With(logx.Component("sender")),
		now:     time.Now,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
	}
}

// Apply swaps the tunables. Sends in flight keep their old limiter.
func (w *Worker) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	w.mu.Lock()
	defer w.mu.Unlock()
	if cfg.RatePerSec != w.cfg.RatePerSec || cfg.Burst != w.cfg.Burst {
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	}
	w.cfg = cfg
}

func (w *Worker) snapshot() (Config, *rate.Limiter) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg, w.limiter
}

// Handle processes one DispatchMessage. A returned error asks the transport
// to redeliver after its retry delay.
func (w *Worker) Handle(ctx context.Context, d transport.Delivery) error {
	msg, err := notification.DecodeDispatch(d.Message.Body)
	if err != nil || msg.NotificationID == "" || msg.RecipientID == "" {
		return fmt.Errorf("%w: dispatch message %q", transport.ErrPoison, d.Message.ID)
	}
	cfg, lim := w.snapshot()

	rc, err := w.st.GetRecipient(ctx, msg.NotificationID, msg.RecipientID)
	if errors.Is(err, notification.ErrNotFound) {
		w.log.Warn("dispatch for unknown recipient dropped",
			logx.Notification(msg.NotificationID), logx.Recipient(msg.RecipientID))
		return nil
	}
	if err != nil {
		return err
	}
	if !rc.Pending() {
		// Already decided. Re-emit the signal in case the previous delivery
		// died between the row write and the publish; the aggregator drops
		// duplicates.
		if res, ok := notification.ResultFor(rc.DeliveryStatus); ok {
			return w.emit(ctx, msg, res)
		}
		return nil
	}

	rec, err := w.st.GetNotification(ctx, msg.NotificationID)
	if err != nil {
		return err
	}
	switch rec.Status {
	case notification.StatusCanceling, notification.StatusCanceled:
		return w.finalize(ctx, msg, permanent("notification canceled"), false)
	case notification.StatusFailed:
		return w.finalize(ctx, msg, permanent("notification failed"), false)
	}

	if wait, err := w.throttled(ctx); err != nil {
		return err
	} else if wait > 0 {
		return w.requeue(ctx, d.Message, wait)
	}

	if rc.UserType == notification.UserGuest {
		return w.finalize(ctx, msg, permanent("guest users are not messaged"), false)
	}
	if rc.ConversationID == "" {
		return w.finalize(ctx, msg, permanent("no conversation for recipient"), false)
	}
	snap, err := w.st.GetSnapshot(ctx, msg.NotificationID)
	if errors.Is(err, notification.ErrNotFound) || errors.Is(err, notification.ErrSnapshotMissing) {
		return w.finalize(ctx, msg, permanent(notification.ErrSnapshotMissing.Error()), false)
	}
	if err != nil {
		return err
	}

	// Another worker may have hit a 429 while this one loaded state.
	if wait, err := w.throttled(ctx); err != nil {
		return err
	} else if wait > 0 {
		return w.requeue(ctx, d.Message, wait)
	}
	if err := lim.Wait(ctx); err != nil {
		return err
	}

	start := w.now()
	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	res, sendErr := w.adapter.SendMessage(sctx, platform.IdentityFor(rc.RecipientType), rc.ConversationID, platform.Content{
		Text:   snap.Text(),
		Format: snap.Format,
	})
	cancel()
	latency := w.now().Sub(start)

	code, retryAfter := platform.StatusOf(sendErr)
	if sendErr == nil && res.StatusCode != 0 {
		code = res.StatusCode
	}
	if sendErr != nil && ctx.Err() != nil {
		// Shutting down: the platform call was cut short by us, not by the
		// platform. Leave the row untouched and let the transport redeliver.
		return ctx.Err()
	}
	w.publishOutcome(msg, code, rc.AttemptCount+1, latency)
	attempt := rc.UnthrottledAttempts() + 1

	switch platform.Classify(code) {
	case platform.Success:
		now := w.now()
		return w.finalize(ctx, msg, notification.Outcome{
			StatusCode:     code,
			Code:           code,
			DeliveryStatus: notification.DeliverySucceeded,
			SentAt:         &now,
		}, true)

	case platform.Throttled:
		return w.onThrottled(ctx, d.Message, msg, retryAfter, cfg)

	case platform.NotFound:
		return w.finalize(ctx, msg, notification.Outcome{
			StatusCode:     code,
			Code:           code,
			DeliveryStatus: notification.DeliveryRecipientNotFound,
			ErrorMessage:   errorBody(sendErr),
		}, true)

	default:
		if attempt >= cfg.MaxAttempts {
			return w.finalize(ctx, msg, notification.Outcome{
				StatusCode:     notification.StatusCodeFaultedFinal,
				Code:           code,
				DeliveryStatus: notification.DeliveryFailed,
				ErrorMessage:   errorBody(sendErr),
			}, true)
		}
		if _, err := w.st.RecordOutcome(ctx, msg.NotificationID, msg.RecipientID, notification.Outcome{
			StatusCode:     notification.StatusCodeFaultedRetrying,
			Code:           code,
			DeliveryStatus: notification.DeliveryRetrying,
			ErrorMessage:   errorBody(sendErr),
		}, true); err != nil {
			return err
		}
		w.log.Debug("send failed; will retry",
			logx.Notification(msg.NotificationID),
			logx.Recipient(msg.RecipientID),
			logx.Int("code", code),
			logx.Int("attempt", attempt),
			logx.Int("max_attempts", cfg.MaxAttempts),
		)
		return fmt.Errorf("send %s/%s: status %d: %w", msg.NotificationID, msg.RecipientID, code, errTransient)
	}
}

var errTransient = errors.New("transient platform failure")

func (w *Worker) onThrottled(ctx context.Context, m transport.Message, msg notification.DispatchMessage, retryAfter time.Duration, cfg Config) error {
	delay := max(retryAfter, cfg.MinThrottleDelay)
	until := w.now().Add(delay)
	if err := w.thr.ThrottleUntil(ctx, until); err != nil {
		// The local re-enqueue below still backs this recipient off.
		w.log.Warn("throttle extend failed", logx.Err(err))
	}
	if _, err := w.st.RecordOutcome(ctx, msg.NotificationID, msg.RecipientID, notification.Outcome{
		StatusCode:       notification.StatusCodeFaultedRetrying,
		Code:             http.StatusTooManyRequests,
		DeliveryStatus:   notification.DeliveryRetrying,
		ThrottleIncrease: 1,
	}, true); err != nil {
		return err
	}
	w.log.Info("platform throttled; recipient re-enqueued",
		logx.Notification(msg.NotificationID),
		logx.Recipient(msg.RecipientID),
		logx.Duration("delay", delay),
	)
	return w.pub.PublishAfter(ctx, transport.QueueDispatch, delay, m)
}

func (w *Worker) throttled(ctx context.Context) (time.Duration, error) {
	th, rem, err := w.thr.IsThrottled(ctx)
	if err != nil {
		return 0, fmt.Errorf("read throttle: %w", err)
	}
	if !th {
		return 0, nil
	}
	return rem, nil
}

// requeue puts the same message back with the remaining throttle window.
func (w *Worker) requeue(ctx context.Context, m transport.Message, wait time.Duration) error {
	return w.pub.PublishAfter(ctx, transport.QueueDispatch, wait, m)
}

func permanent(msg string) notification.Outcome {
	return notification.Outcome{
		StatusCode:     notification.StatusCodeFaultedFinal,
		Code:           notification.StatusCodeFaultedFinal,
		DeliveryStatus: notification.DeliveryFailed,
		ErrorMessage:   msg,
	}
}

// finalize writes a terminal outcome and emits its aggregation signal.
func (w *Worker) finalize(ctx context.Context, msg notification.DispatchMessage, o notification.Outcome, attempted bool) error {
	after, err := w.st.RecordOutcome(ctx, msg.NotificationID, msg.RecipientID, o, attempted)
	if err != nil {
		return err
	}
	if o.DeliveryStatus == notification.DeliverySucceeded && after.UnthrottledAttempts() > 1 {
		// An earlier failed attempt may still have reached the recipient;
		// surface it for monitoring. Throttled attempts never delivered.
		w.log.Warn("possible duplicate send",
			logx.Notification(msg.NotificationID),
			logx.Recipient(msg.RecipientID),
			logx.Int("attempts", after.AttemptCount),
			logx.String("codes", after.AllStatusCodes),
		)
		w.bus.Publish(eventbus.Event{Type: eventbus.TypeDuplicateSend, Time: w.now(), Data: eventbus.RecipientOutcome{
			NotificationID: msg.NotificationID,
			RecipientID:    msg.RecipientID,
			DeliveryStatus: string(o.DeliveryStatus),
			StatusCode:     o.Code,
			Attempt:        after.AttemptCount,
		}})
	}
	res, ok := notification.ResultFor(o.DeliveryStatus)
	if !ok {
		return nil
	}
	return w.emit(ctx, msg, res)
}

func (w *Worker) emit(ctx context.Context, msg notification.DispatchMessage, res notification.ResultType) error {
	return aggregator.Emit(ctx, w.pub, notification.Signal{
		Kind:           notification.SignalOutcome,
		NotificationID: msg.NotificationID,
		RecipientID:    msg.RecipientID,
		Result:         res,
		At:             w.now().UTC(),
	})
}

func (w *Worker) publishOutcome(msg notification.DispatchMessage, code, attempt int, latency time.Duration) {
	w.bus.Publish(eventbus.Event{Type: eventbus.TypeRecipientOutcome, Time: w.now(), Data: eventbus.RecipientOutcome{
		NotificationID: msg.NotificationID,
		RecipientID:    msg.RecipientID,
		DeliveryStatus: categoryName(platform.Classify(code)),
		StatusCode:     code,
		Attempt:        attempt,
		Latency:        latency,
	}})
}

func categoryName(c platform.Category) string {
	switch c {
	case platform.Success:
		return string(notification.DeliverySucceeded)
	case platform.Throttled:
		return string(notification.DeliveryThrottled)
	case platform.NotFound:
		return string(notification.DeliveryRecipientNotFound)
	default:
		return string(notification.DeliveryFailed)
	}
}

func errorBody(err error) string {
	if err == nil {
		return ""
	}
	var pe *platform.Error
	if errors.As(err, &pe) && pe.Body != "" {
		return pe.Body
	}
	return err.Error()
}
