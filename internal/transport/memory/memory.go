// Package memory is the in-process transport used by single-node deployments
// and tests. Queues are unbounded FIFOs drained by supervised consumer
// goroutines; delayed publishes and redeliveries are parked in the task
// engine until due.
package memory

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"herald/internal/eventbus"
	rtsup "herald/internal/runtime/supervisor"
	"herald/internal/task/engine"
	"herald/internal/transport"
	logx "herald/pkg/logx"
)

// Scheduler is the engine surface used for delays.
type Scheduler interface {
	Submit(ctx context.Context, t engine.Task) error
}

type Transport struct {
	eng Scheduler
	log logx.Logger
	bus eventbus.Bus
	sup *rtsup.Supervisor

	mu     sync.Mutex
	queues map[string]*queue
	closed bool
}

type queue struct {
	mu       sync.Mutex
	items    []transport.Delivery
	inflight int
	notify   chan struct{}
}

var _ transport.Transport = (*Transport)(nil)

func New(ctx context.Context, eng Scheduler, log logx.Logger, bus eventbus.Bus) *Transport {
	if bus == nil {
		bus = eventbus.Nop()
	}
	log = log.With(logx.Component("transport.memory"))
	return &Transport{
		eng:    eng,
		log:    log,
		bus:    bus,
		sup:    rtsup.New(ctx, rtsup.WithLogger(log)),
		queues: map[string]*queue{},
	}
}

func (t *Transport) queue(name string) (*queue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, transport.ErrClosed
	}
	q := t.queues[name]
	if q == nil {
		q = &queue{notify: make(chan struct{}, 1)}
		t.queues[name] = q
	}
	return q, nil
}

func (q *queue) push(d transport.Delivery) {
	q.mu.Lock()
	q.items = append(q.items, d)
	q.mu.Unlock()
	q.signal()
}

func (q *queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) pop() (transport.Delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return transport.Delivery{}, false
	}
	d := q.items[0]
	q.items[0] = transport.Delivery{}
	q.items = q.items[1:]
	q.inflight++
	if len(q.items) > 0 {
		q.signal()
	}
	return d, true
}

func (q *queue) done() {
	q.mu.Lock()
	q.inflight--
	q.mu.Unlock()
}

func (t *Transport) Publish(ctx context.Context, name string, msgs ...transport.Message) error {
	if err := transport.CheckBatch(msgs); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	q, err := t.queue(name)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		q.push(transport.Delivery{Queue: name, Message: m, Attempt: 1})
	}
	return nil
}

func (t *Transport) PublishAfter(ctx context.Context, name string, delay time.Duration, msg transport.Message) error {
	if delay <= 0 {
		return t.Publish(ctx, name, msg)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	return t.later(ctx, transport.Delivery{Queue: name, Message: msg, Attempt: 1}, delay)
}

func (t *Transport) later(ctx context.Context, d transport.Delivery, delay time.Duration) error {
	q, err := t.queue(d.Queue)
	if err != nil {
		return err
	}
	return t.eng.Submit(ctx, engine.Task{
		Name:      "transport.delay." + d.Queue,
		NotBefore: time.Now().Add(delay),
		Opt:       engine.TaskOptions{RetryMax: -1, CircuitTripFailures: -1},
		Run: func(context.Context) error {
			q.push(d)
			return nil
		},
	})
}

func (t *Transport) Consume(ctx context.Context, name string, opt transport.ConsumeOptions, h transport.Handler) error {
	q, err := t.queue(name)
	if err != nil {
		return err
	}
	opt = opt.WithDefaults()
	for i := 0; i < opt.Concurrency; i++ {
		t.sup.Go(fmt.Sprintf("consume.%s.%d", name, i), func(sctx context.Context) error {
			for {
				d, ok := q.pop()
				if !ok {
					select {
					case <-ctx.Done():
						return nil
					case <-sctx.Done():
						return nil
					case <-q.notify:
						continue
					}
				}
				t.handle(ctx, q, opt, h, d)
			}
		})
	}
	t.log.Debug("consumer registered", logx.String("queue", name), logx.Int("concurrency", opt.Concurrency))
	return nil
}

func (t *Transport) handle(ctx context.Context, q *queue, opt transport.ConsumeOptions, h transport.Handler, d transport.Delivery) {
	defer q.done()
	err := safeCall(ctx, h, d)
	if err == nil {
		return
	}
	if !errors.Is(err, transport.ErrPoison) && d.Attempt < opt.MaxDeliveries {
		t.log.Debug("delivery failed; redelivering", logx.String("queue", d.Queue), logx.Int("attempt", d.Attempt), logx.Err(err))
		next := d
		next.Attempt++
		if lerr := t.later(ctx, next, opt.RetryDelay); lerr != nil {
			t.log.Error("redelivery not scheduled", logx.String("queue", d.Queue), logx.String("id", d.Message.ID), logx.Err(lerr))
		}
		return
	}

	t.log.Warn("delivery dead-lettered", logx.String("queue", d.Queue), logx.String("id", d.Message.ID), logx.Int("attempt", d.Attempt), logx.Err(err))
	t.bus.Publish(eventbus.Event{Type: eventbus.TypeDeadLetter, Data: eventbus.DeadLetter{Queue: d.Queue, Attempt: d.Attempt}})
	if opt.DeadLetter == nil {
		return
	}
	if derr := safeCall(ctx, opt.DeadLetter, d); derr != nil {
		t.log.Error("dead-letter handler failed", logx.String("queue", d.Queue), logx.String("id", d.Message.ID), logx.Err(derr))
	}
}

func safeCall(ctx context.Context, h transport.Handler, d transport.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, d)
}

// Pending counts deliveries queued or being handled on name. Deliveries
// parked for a delay are not included.
func (t *Transport) Pending(name string) int {
	t.mu.Lock()
	q := t.queues[name]
	t.mu.Unlock()
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) + q.inflight
}

// Close stops consumers. Queued deliveries are dropped.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
