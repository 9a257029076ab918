package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

func retryQueue(main string) string { return main + ".retry" }
func finalQueue(main string) string { return main + ".final" }

// delayQueue names the TTL queue for a delay rounded up to whole seconds so
// the number of delay queues stays small.
func delayQueue(main string, delay time.Duration) (string, time.Duration) {
	d := delay.Truncate(time.Second)
	if d < delay {
		d += time.Second
	}
	return fmt.Sprintf("%s.delay.%d", main, d.Milliseconds()), d
}

// declareLocked declares main, retry and final queues once per connection.
func (t *Transport) declareLocked(ch *amqp.Channel, main string) error {
	if t.declared[main] {
		return nil
	}
	if err := declareTopology(ch, main, t.cfg.RetryDelay); err != nil {
		return err
	}
	t.declared[main] = true
	return nil
}

func declareTopology(ch *amqp.Channel, main string, retryTTL time.Duration) error {
	if _, err := ch.QueueDeclare(main, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": retryQueue(main),
	}); err != nil {
		return fmt.Errorf("declare %s: %w", main, err)
	}
	if _, err := ch.QueueDeclare(retryQueue(main), true, false, false, false, amqp.Table{
		"x-message-ttl":             int32(retryTTL.Milliseconds()),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": main,
	}); err != nil {
		return fmt.Errorf("declare %s: %w", retryQueue(main), err)
	}
	if _, err := ch.QueueDeclare(finalQueue(main), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", finalQueue(main), err)
	}
	return nil
}

func (t *Transport) declareDelayLocked(ch *amqp.Channel, main, name string, ttl time.Duration) error {
	if t.declared[name] {
		return nil
	}
	_, err := ch.QueueDeclare(name, true, false, false, false, amqp.Table{
		"x-message-ttl":             int32(ttl.Milliseconds()),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": main,
		// Drop the queue once idle for a while after its last message expired.
		"x-expires": int32((ttl + 10*time.Minute).Milliseconds()),
	})
	if err != nil {
		return fmt.Errorf("declare %s: %w", name, err)
	}
	t.declared[name] = true
	return nil
}

// deathCount returns how often d was dead-lettered out of queue, i.e. how
// many times a handler rejected it there.
func deathCount(d amqp.Delivery, queue string) int {
	list, ok := d.Headers["x-death"].([]any)
	if !ok {
		return 0
	}
	for _, it := range list {
		m, ok := it.(amqp.Table)
		if !ok {
			continue
		}
		if q, _ := m["queue"].(string); q != queue {
			continue
		}
		if r, _ := m["reason"].(string); r != "" && r != "rejected" {
			continue
		}
		if n, ok := m["count"].(int64); ok {
			return int(n)
		}
	}
	return 0
}
