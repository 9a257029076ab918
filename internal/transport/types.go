// Package transport moves pipeline messages between stages with
// at-least-once semantics. Handlers must be idempotent: a message may be
// delivered more than once and in any order.
package transport

import (
	"context"
	"errors"
	"time"
)

// MaxBatch caps the messages accepted by one Publish call.
const MaxBatch = 100

// Queue names used by the pipeline.
const (
	QueueDispatch  = "dispatch"
	QueueAggregate = "aggregate"
)

var (
	ErrBatchTooLarge = errors.New("transport: batch exceeds MaxBatch")
	ErrClosed        = errors.New("transport: closed")
	// ErrPoison marks a message that can never be handled; it goes straight
	// to the dead-letter handler without redelivery.
	ErrPoison = errors.New("transport: poison message")
)

type Message struct {
	ID   string
	Body []byte
}

// Delivery is one attempt at handling a message. Attempt starts at 1.
type Delivery struct {
	Queue   string
	Message Message
	Attempt int
}

// Handler processes a delivery. A nil return acknowledges it; an error
// schedules a redelivery after ConsumeOptions.RetryDelay until
// MaxDeliveries is reached, after which DeadLetter is called.
type Handler func(ctx context.Context, d Delivery) error

type ConsumeOptions struct {
	Concurrency   int
	MaxDeliveries int
	RetryDelay    time.Duration
	// DeadLetter receives deliveries that exhausted redelivery. Optional.
	DeadLetter Handler
}

func (o ConsumeOptions) WithDefaults() ConsumeOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = 10
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 5 * time.Second
	}
	return o
}

type Publisher interface {
	Publish(ctx context.Context, queue string, msgs ...Message) error
	// PublishAfter delivers msg no earlier than delay from now.
	PublishAfter(ctx context.Context, queue string, delay time.Duration, msg Message) error
}

type Transport interface {
	Publisher
	// Consume registers h for queue. Deliveries start once the transport runs
	// and stop when ctx ends.
	Consume(ctx context.Context, queue string, opt ConsumeOptions, h Handler) error
	Close() error
}

// CheckBatch validates a publish batch.
func CheckBatch(msgs []Message) error {
	if len(msgs) > MaxBatch {
		return ErrBatchTooLarge
	}
	return nil
}
