// Package statusfeed mirrors notification status changes to a Kafka topic
// for external live views. Messages are keyed by notification id so one
// partition sees a notification's updates in order; consumers keep the one
// with the highest version.
package statusfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"herald/internal/eventbus"
	logx "herald/pkg/logx"
)

const DefaultTopic = "herald.notification-status"

// Update is the JSON value written per change.
type Update struct {
	NotificationID string     `json:"notification_id"`
	Status         string     `json:"status"`
	Total          int        `json:"total"`
	Succeeded      int        `json:"succeeded"`
	Failed         int        `json:"failed"`
	Throttled      int        `json:"throttled"`
	Unknown        int        `json:"unknown"`
	Version        int64      `json:"version"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	At             time.Time  `json:"at"`
}

type Feed struct {
	prod  sarama.SyncProducer
	topic string
	log   logx.Logger
}

// NewProducer builds an idempotent, all-acks producer.
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("statusfeed: no brokers")
	}
	cfg := sarama.NewConfig()
	cfg.ClientID = "herald"
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	prod, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("statusfeed: producer: %w", err)
	}
	return prod, nil
}

func New(prod sarama.SyncProducer, topic string, log logx.Logger) *Feed {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Feed{prod: prod, topic: topic, log: log.With(logx.Component("statusfeed"))}
}

// Run forwards status events until ctx is done. Send failures are logged;
// the next change for the same notification supersedes a lost one.
func (f *Feed) Run(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(256, eventbus.TypeNotificationStatus)
	defer unsub()
	f.consume(ctx, ch)
}

func (f *Feed) consume(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			st, ok := e.Data.(eventbus.NotificationStatus)
			if !ok {
				continue
			}
			if err := f.Publish(st, e.Time); err != nil {
				f.log.Warn("status update not published", logx.Notification(st.NotificationID), logx.Err(err))
			}
		}
	}
}

func (f *Feed) Publish(st eventbus.NotificationStatus, at time.Time) error {
	b, err := json.Marshal(Update{
		NotificationID: st.NotificationID,
		Status:         st.Status,
		Total:          st.Total,
		Succeeded:      st.Succeeded,
		Failed:         st.Failed,
		Throttled:      st.Throttled,
		Unknown:        st.Unknown,
		Version:        st.Version,
		CompletedAt:    st.CompletedAt,
		At:             at.UTC(),
	})
	if err != nil {
		return err
	}
	partition, offset, err := f.prod.SendMessage(&sarama.ProducerMessage{
		Topic: f.topic,
		Key:   sarama.StringEncoder(st.NotificationID),
		Value: sarama.ByteEncoder(b),
	})
	if err != nil {
		return err
	}
	f.log.Debug("status update published",
		logx.Notification(st.NotificationID),
		logx.String("status", st.Status),
		logx.Int("partition", int(partition)),
		logx.Int64("offset", offset),
	)
	return nil
}

func (f *Feed) Close() error { return f.prod.Close() }
