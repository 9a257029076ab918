package sender

import (
	"context"
	"errors"
	"fmt"

	"herald/internal/notification"
	"herald/internal/transport"
	logx "herald/pkg/logx"
)

// DeadLetter closes out a recipient whose dispatch message exhausted
// transport redelivery, so the notification still reaches coverage.
func (w *Worker) DeadLetter(ctx context.Context, d transport.Delivery) error {
	msg, err := notification.DecodeDispatch(d.Message.Body)
	if err != nil || msg.NotificationID == "" || msg.RecipientID == "" {
		w.log.Error("undecodable dispatch message dead-lettered", logx.String("id", d.Message.ID))
		return nil
	}
	rc, err := w.st.GetRecipient(ctx, msg.NotificationID, msg.RecipientID)
	if errors.Is(err, notification.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !rc.Pending() {
		return nil
	}
	return w.finalize(ctx, msg, permanent(fmt.Sprintf("delivery abandoned after %d attempts", d.Attempt)), false)
}
