package eventbus

import "time"

// Event types published by the pipeline.
const (
	TypeNotificationStatus = "notification.status"
	TypeRecipientOutcome   = "recipient.outcome"
	TypeThrottleExtended   = "throttle.extended"
	TypeOrchestrationStep  = "orchestration.step"
	TypeAggregatorConflict = "aggregator.conflict"
	TypeDuplicateSend      = "sender.duplicate"
	TypeDeadLetter         = "transport.dead_letter"
)

// NotificationStatus carries the record fields after a committed change.
type NotificationStatus struct {
	NotificationID string
	Status         string
	Total          int
	Succeeded      int
	Failed         int
	Throttled      int
	Unknown        int
	Version        int64
	CompletedAt    *time.Time
}

// RecipientOutcome is one send attempt result.
type RecipientOutcome struct {
	NotificationID string
	RecipientID    string
	DeliveryStatus string
	StatusCode     int
	Attempt        int
	Latency        time.Duration
}

type ThrottleExtended struct {
	Until      time.Time
	RetryAfter time.Duration
}

type OrchestrationStep struct {
	NotificationID string
	Step           string
	Replayed       bool
	Err            string
	Duration       time.Duration
}

type DeadLetter struct {
	Queue   string
	Attempt int
}

// Task engine events.
const (
	TypeTaskFailed  = "task.failed"
	TypeTaskDropped = "task.dropped"
)

type TaskEvent struct {
	ID       string
	Name     string
	Attempts int
	Duration time.Duration
	Error    string
}
