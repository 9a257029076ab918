package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"herald/internal/transport"
)

func (t *Transport) Publish(ctx context.Context, queue string, msgs ...transport.Message) error {
	if err := transport.CheckBatch(msgs); err != nil {
		return err
	}
	main := t.name(queue)
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, err := t.channelLocked(ctx)
	if err != nil {
		return err
	}
	if err := t.declareLocked(ch, main); err != nil {
		return err
	}
	return publishConfirmed(ctx, ch, main, msgs...)
}

func (t *Transport) PublishAfter(ctx context.Context, queue string, delay time.Duration, msg transport.Message) error {
	if delay <= 0 {
		return t.Publish(ctx, queue, msg)
	}
	main := t.name(queue)
	name, ttl := delayQueue(main, delay)
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, err := t.channelLocked(ctx)
	if err != nil {
		return err
	}
	if err := t.declareLocked(ch, main); err != nil {
		return err
	}
	if err := t.declareDelayLocked(ch, main, name, ttl); err != nil {
		return err
	}
	return publishConfirmed(ctx, ch, name, msg)
}

// publishConfirmed publishes to the default exchange and waits for every
// broker confirm. Requires exclusive use of ch.
func publishConfirmed(ctx context.Context, ch *amqp.Channel, routingKey string, msgs ...transport.Message) error {
	confirms := make([]*amqp.DeferredConfirmation, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", routingKey, true, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    m.ID,
			Timestamp:    time.Now().UTC(),
			Body:         m.Body,
		})
		if err != nil {
			return fmt.Errorf("publish %s: %w", routingKey, err)
		}
		confirms = append(confirms, dc)
	}
	for _, dc := range confirms {
		if dc == nil {
			continue
		}
		ok, err := dc.WaitContext(ctx)
		if err != nil {
			return fmt.Errorf("confirm %s: %w", routingKey, err)
		}
		if !ok {
			return fmt.Errorf("publish %s: broker nacked", routingKey)
		}
	}
	return nil
}
