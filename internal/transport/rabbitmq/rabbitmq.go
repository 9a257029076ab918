// Package rabbitmq implements transport.Transport on RabbitMQ.
//
// Each logical queue q gets three physical queues: q itself, q.retry (TTL,
// dead-letters back to q) and q.final (exhausted or poison deliveries).
// Delayed publishes go through per-delay TTL queues q.delay.<ms> that expire
// when idle. Messages are published to the default exchange with the queue
// name as routing key, persistent and publisher-confirmed.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"herald/internal/eventbus"
	rtsup "herald/internal/runtime/supervisor"
	"herald/internal/transport"
	logx "herald/pkg/logx"
)

type Config struct {
	URL    string
	Prefix string
	// Prefetch bounds unacked deliveries per consumer channel.
	Prefetch int
	// RetryDelay is the TTL of the retry queues. A consumer's
	// ConsumeOptions.RetryDelay is ignored here: the TTL is queue-wide.
	RetryDelay    time.Duration
	DialAttempts  int
	DialBaseDelay time.Duration
}

type Transport struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	sup *rtsup.Supervisor

	mu       sync.Mutex
	conn     *amqp.Connection
	pubCh    *amqp.Channel
	declared map[string]bool
	closed   bool
}

var _ transport.Transport = (*Transport)(nil)

// New dials the broker, retrying with exponential backoff.
func New(ctx context.Context, cfg Config, log logx.Logger, bus eventbus.Bus) (*Transport, error) {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 16
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = 5
	}
	if cfg.DialBaseDelay <= 0 {
		cfg.DialBaseDelay = time.Second
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	log = log.With(logx.Component("transport.rabbitmq"))
	t := &Transport{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		sup:      rtsup.New(ctx, rtsup.WithLogger(log)),
		declared: map[string]bool{},
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.connectLocked(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Transport) connectLocked(ctx context.Context) error {
	var lastErr error
	delay := t.cfg.DialBaseDelay
	for i := 1; i <= t.cfg.DialAttempts; i++ {
		conn, err := amqp.Dial(t.cfg.URL)
		if err == nil {
			ch, cerr := conn.Channel()
			if cerr == nil {
				cerr = ch.Confirm(false)
			}
			if cerr != nil {
				_ = conn.Close()
				return fmt.Errorf("rabbitmq: publish channel: %w", cerr)
			}
			t.conn, t.pubCh = conn, ch
			t.declared = map[string]bool{}
			if i > 1 {
				t.log.Info("rabbitmq connected", logx.Int("attempt", i))
			}
			return nil
		}
		lastErr = err
		t.log.Warn("rabbitmq dial failed", logx.Int("attempt", i), logx.Duration("sleep", delay), logx.Err(err))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = min(delay*2, time.Minute)
	}
	return fmt.Errorf("rabbitmq: connect after %d attempts: %w", t.cfg.DialAttempts, lastErr)
}

// channel returns the publish channel, reconnecting when the connection dropped.
// Requires t.mu.
func (t *Transport) channelLocked(ctx context.Context) (*amqp.Channel, error) {
	if t.closed {
		return nil, transport.ErrClosed
	}
	if t.conn == nil || t.conn.IsClosed() || t.pubCh == nil || t.pubCh.IsClosed() {
		if t.conn != nil && !t.conn.IsClosed() {
			_ = t.conn.Close()
		}
		if err := t.connectLocked(ctx); err != nil {
			return nil, err
		}
	}
	return t.pubCh, nil
}

func (t *Transport) name(queue string) string { return t.cfg.Prefix + queue }

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	supErr := t.sup.Stop(ctx)
	if errors.Is(supErr, context.Canceled) {
		supErr = nil
	}
	var connErr error
	if conn != nil && !conn.IsClosed() {
		connErr = conn.Close()
	}
	return errors.Join(supErr, connErr)
}
