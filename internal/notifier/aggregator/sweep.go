package aggregator

import (
	"context"
	"errors"

	"herald/internal/notification"
	logx "herald/pkg/logx"
)

// Sweep force-completes every sending notification whose deadline passed.
// It backs up the delayed ForceComplete message, which a transport may lose.
func (a *Aggregator) Sweep(ctx context.Context) error {
	recs, err := a.st.ListNotifications(ctx, notification.StatusSending, notification.StatusCanceling)
	if err != nil {
		return err
	}
	now := a.now()
	var errs []error
	n := 0
	for _, r := range recs {
		if r.SendingStartedAt == nil || now.Sub(*r.SendingStartedAt) < a.cfg.ForceCompleteAfter {
			continue
		}
		n++
		err := a.Apply(ctx, notification.Signal{
			Kind:           notification.SignalForceComplete,
			NotificationID: r.ID,
			At:             now.UTC(),
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	if n > 0 {
		a.log.Info("deadline sweep", logx.Int("expired", n), logx.Int("errors", len(errs)))
	}
	return errors.Join(errs...)
}
