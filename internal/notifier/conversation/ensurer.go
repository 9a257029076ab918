// Package conversation makes sure every recipient of a dispatch batch has a
// conversation handle before the send stage reads it.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"herald/internal/notification"
	"herald/internal/notifier/throttle"
	"herald/internal/platform"
	"herald/internal/task/engine"
	logx "herald/pkg/logx"
)

// ErrThrottled is returned, wrapped with the remaining window as an
// engine.RetryAfter hint, when a batch starts inside the global throttle.
var ErrThrottled = errors.New("conversation: platform throttled")

type Store interface {
	ListBatch(ctx context.Context, notificationID, batchKey string) ([]notification.Recipient, error)
	SetConversation(ctx context.Context, notificationID, recipientID, conversationID, serviceURL, tenantID string) error
	RecordOutcome(ctx context.Context, notificationID, recipientID string, o notification.Outcome, countAttempt bool) (notification.Recipient, error)
}

// Config bounds the throttle retry loop of one recipient.
//
// Defaults: max_attempts 5, base 1s, cap 60s, concurrency 8.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Concurrency int
}

type Ensurer struct {
	adapter platform.Adapter
	st      Store
	cfg     Config
	log     logx.Logger
	thr     throttle.Coordinator

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(adapter platform.Adapter, st Store, cfg Config, log logx.Logger) *Ensurer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Minute
	}
	cfg.MaxDelay = max(cfg.MaxDelay, cfg.BaseDelay)
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Ensurer{
		adapter: adapter,
		st:      st,
		cfg:     cfg,
		log:     log.With(logx.Component("conversation")),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithThrottle makes EnsureBatch wait out the global throttle window before
// creating conversations.
func (e *Ensurer) WithThrottle(thr throttle.Coordinator) *Ensurer {
	e.thr = thr
	return e
}

// EnsureBatch creates missing conversations for the pending recipients of
// batchKey. Recipients the platform refuses are written FaultedFinal. The
// returned error is a store failure; the batch is safe to run again.
func (e *Ensurer) EnsureBatch(ctx context.Context, notificationID, batchKey string) error {
	rows, err := e.st.ListBatch(ctx, notificationID, batchKey)
	if err != nil {
		return fmt.Errorf("list batch %s: %w", batchKey, err)
	}
	if err := e.checkThrottle(ctx, rows, batchKey); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	var created, failed int
	var mu sync.Mutex
	for _, r := range rows {
		if !needsConversation(r) {
			continue
		}
		g.Go(func() error {
			ok, err := e.ensureOne(gctx, r)
			if err != nil {
				return err
			}
			mu.Lock()
			if ok {
				created++
			} else {
				failed++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if created+failed > 0 {
		e.log.Debug("conversations ensured",
			logx.Notification(notificationID),
			logx.String("batch", batchKey),
			logx.Int("created", created),
			logx.Int("failed", failed),
		)
	}
	return nil
}

func needsConversation(r notification.Recipient) bool {
	return r.ConversationID == "" && r.StatusCode == notification.StatusCodeInitializing
}

func (e *Ensurer) checkThrottle(ctx context.Context, rows []notification.Recipient, batchKey string) error {
	if e.thr == nil || !slices.ContainsFunc(rows, needsConversation) {
		return nil
	}
	throttled, rem, err := e.thr.IsThrottled(ctx)
	if err != nil {
		return fmt.Errorf("read throttle: %w", err)
	}
	if !throttled {
		return nil
	}
	return engine.RetryAfter(fmt.Errorf("%w: batch %s", ErrThrottled, batchKey), rem)
}

func (e *Ensurer) ensureOne(ctx context.Context, r notification.Recipient) (bool, error) {
	req := platform.ConversationRequest{
		RecipientID:   r.RecipientID,
		RecipientType: r.RecipientType,
		TenantID:      r.TenantID,
		ServiceURL:    r.ServiceURL,
	}
	id := platform.IdentityFor(r.RecipientType)

	var (
		lastErr error
		delay   = e.cfg.BaseDelay
	)
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		conv, err := e.adapter.CreateConversation(ctx, id, req)
		if err == nil {
			if err := e.st.SetConversation(ctx, r.NotificationID, r.RecipientID, conv.ID, conv.ServiceURL, conv.TenantID); err != nil {
				return false, fmt.Errorf("save conversation %s: %w", r.RecipientID, err)
			}
			return true, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		lastErr = err
		code, retryAfter := platform.StatusOf(err)
		if platform.Classify(code) != platform.Throttled {
			break
		}
		if attempt == e.cfg.MaxAttempts {
			break
		}
		delay = e.nextDelay(delay)
		wait := max(delay, retryAfter)
		e.log.Debug("conversation throttled",
			logx.Recipient(r.RecipientID),
			logx.Int("attempt", attempt),
			logx.Duration("sleep", wait),
		)
		if err := sleepCtx(ctx, wait); err != nil {
			return false, err
		}
	}

	code, _ := platform.StatusOf(lastErr)
	_, err := e.st.RecordOutcome(ctx, r.NotificationID, r.RecipientID, notification.Outcome{
		StatusCode:     notification.StatusCodeFaultedFinal,
		Code:           code,
		DeliveryStatus: notification.DeliveryFailed,
		ErrorMessage:   errorBody(lastErr),
	}, false)
	if err != nil {
		return false, fmt.Errorf("record conversation failure %s: %w", r.RecipientID, err)
	}
	e.log.Warn("conversation not created",
		logx.Notification(r.NotificationID),
		logx.Recipient(r.RecipientID),
		logx.Int("code", code),
		logx.Err(lastErr),
	)
	return false, nil
}

// nextDelay is decorrelated jitter: uniform in [base, prev*3], capped.
func (e *Ensurer) nextDelay(prev time.Duration) time.Duration {
	hi := min(prev*3, e.cfg.MaxDelay)
	lo := e.cfg.BaseDelay
	if hi <= lo {
		return lo
	}
	e.rngMu.Lock()
	d := lo + time.Duration(e.rng.Int63n(int64(hi-lo)+1))
	e.rngMu.Unlock()
	return d
}

func errorBody(err error) string {
	var pe *platform.Error
	if errors.As(err, &pe) && pe.Body != "" {
		return pe.Body
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
