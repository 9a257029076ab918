package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"herald/internal/eventbus"
	rtsup "herald/internal/runtime/supervisor"
	"herald/internal/transport"
	logx "herald/pkg/logx"
)

var errChannelClosed = errors.New("rabbitmq: delivery channel closed")

// Consume registers a supervised consumer on queue. The consumer reconnects
// with backoff whenever its channel or the connection drops.
func (t *Transport) Consume(ctx context.Context, queue string, opt transport.ConsumeOptions, h transport.Handler) error {
	opt = opt.WithDefaults()
	main := t.name(queue)

	// Fail fast on a broken broker before handing off to the supervisor.
	t.mu.Lock()
	ch, err := t.channelLocked(ctx)
	if err == nil {
		err = t.declareLocked(ch, main)
	}
	t.mu.Unlock()
	if err != nil {
		return err
	}

	t.sup.GoRestart("consume."+queue, func(sctx context.Context) error {
		return t.consumeOnce(ctx, sctx, queue, main, opt, h)
	}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	t.log.Debug("consumer registered", logx.String("queue", main), logx.Int("concurrency", opt.Concurrency))
	return nil
}

func (t *Transport) consumeOnce(ctx, sctx context.Context, queue, main string, opt transport.ConsumeOptions, h transport.Handler) error {
	t.mu.Lock()
	if _, err := t.channelLocked(sctx); err != nil {
		t.mu.Unlock()
		return err
	}
	ch, err := t.conn.Channel()
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("consumer channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := declareTopology(ch, main, t.cfg.RetryDelay); err != nil {
		return err
	}
	if err := ch.Qos(max(t.cfg.Prefetch, opt.Concurrency), 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	msgs, err := ch.Consume(main, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", main, err)
	}

	var wg sync.WaitGroup
	lost := make(chan struct{}, opt.Concurrency)
	for i := 0; i < opt.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-sctx.Done():
					return
				case d, ok := <-msgs:
					if !ok {
						lost <- struct{}{}
						return
					}
					t.handle(ctx, queue, main, opt, h, d)
				}
			}
		}()
	}
	wg.Wait()
	select {
	case <-lost:
		if ctx.Err() == nil && sctx.Err() == nil {
			return errChannelClosed
		}
	default:
	}
	return nil
}

func (t *Transport) handle(ctx context.Context, queue, main string, opt transport.ConsumeOptions, h transport.Handler, raw amqp.Delivery) {
	d := transport.Delivery{
		Queue:   queue,
		Message: transport.Message{ID: raw.MessageId, Body: raw.Body},
		Attempt: deathCount(raw, main) + 1,
	}
	err := safeCall(ctx, h, d)
	if err == nil {
		if aerr := raw.Ack(false); aerr != nil {
			t.log.Warn("ack failed", logx.String("queue", main), logx.String("id", d.Message.ID), logx.Err(aerr))
		}
		return
	}
	if !errors.Is(err, transport.ErrPoison) && d.Attempt < opt.MaxDeliveries {
		t.log.Debug("delivery failed; redelivering", logx.String("queue", main), logx.Int("attempt", d.Attempt), logx.Err(err))
		// Rejected without requeue: the queue dead-letters into its retry queue.
		if nerr := raw.Nack(false, false); nerr != nil {
			t.log.Warn("nack failed", logx.String("queue", main), logx.Err(nerr))
		}
		return
	}

	t.log.Warn("delivery dead-lettered", logx.String("queue", main), logx.String("id", d.Message.ID), logx.Int("attempt", d.Attempt), logx.Err(err))
	t.bus.Publish(eventbus.Event{Type: eventbus.TypeDeadLetter, Data: eventbus.DeadLetter{Queue: queue, Attempt: d.Attempt}})
	if opt.DeadLetter != nil {
		if derr := safeCall(ctx, opt.DeadLetter, d); derr != nil {
			t.log.Error("dead-letter handler failed", logx.String("queue", main), logx.String("id", d.Message.ID), logx.Err(derr))
		}
	}
	if perr := t.publishFinal(ctx, main, d.Message); perr != nil {
		// Leave it to the retry queue rather than lose it.
		t.log.Error("final publish failed", logx.String("queue", main), logx.Err(perr))
		_ = raw.Nack(false, false)
		return
	}
	_ = raw.Ack(false)
}

func (t *Transport) publishFinal(ctx context.Context, main string, msg transport.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, err := t.channelLocked(ctx)
	if err != nil {
		return err
	}
	return publishConfirmed(ctx, ch, finalQueue(main), msg)
}

func safeCall(ctx context.Context, h transport.Handler, d transport.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, d)
}
