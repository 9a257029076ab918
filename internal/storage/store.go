package storage

import (
	"context"
	"time"

	"herald/internal/directory"
	"herald/internal/notification"
)

// MaxBatchWrite caps the rows written by a single InsertRecipients call.
const MaxBatchWrite = 100

// NotificationStore persists notification records, their content snapshots
// and the per-signal consumption markers of the aggregator.
type NotificationStore interface {
	CreateNotification(ctx context.Context, rec notification.Record) (notification.Record, error)
	GetNotification(ctx context.Context, id string) (notification.Record, error)
	// UpdateNotification writes rec if the stored version still equals
	// rec.Version and returns the record with the bumped version.
	UpdateNotification(ctx context.Context, rec notification.Record) (notification.Record, error)
	// CommitSignal atomically marks (rec.ID, key) consumed and applies the
	// conditional update. Returns ErrAlreadyConsumed for duplicates.
	CommitSignal(ctx context.Context, rec notification.Record, key string) (notification.Record, error)
	ListNotifications(ctx context.Context, statuses ...notification.Status) ([]notification.Record, error)

	PutSnapshot(ctx context.Context, s notification.ContentSnapshot) error
	GetSnapshot(ctx context.Context, notificationID string) (notification.ContentSnapshot, error)
}

// RecipientStore persists per-recipient delivery state.
type RecipientStore interface {
	// InsertRecipients inserts rows that do not exist yet and leaves existing
	// rows untouched. It returns the number of rows inserted.
	InsertRecipients(ctx context.Context, rs []notification.Recipient) (int, error)
	GetRecipient(ctx context.Context, notificationID, recipientID string) (notification.Recipient, error)
	// RecordOutcome upserts the row, appends o.Code to the status history
	// and, when countAttempt is set, increments the attempt counter.
	RecordOutcome(ctx context.Context, notificationID, recipientID string, o notification.Outcome, countAttempt bool) (notification.Recipient, error)
	SetConversation(ctx context.Context, notificationID, recipientID, conversationID, serviceURL, tenantID string) error
	// AssignBatches slices the recipients ordered by id into batches of size
	// and returns the batch keys. Repeated calls yield the same keys.
	AssignBatches(ctx context.Context, notificationID string, size int) ([]string, error)
	ListBatch(ctx context.Context, notificationID, batchKey string) ([]notification.Recipient, error)
	CountRecipients(ctx context.Context, notificationID string) (int, error)
	// CountThrottled counts recipients still pending that hit at least one
	// platform throttle.
	CountThrottled(ctx context.Context, notificationID string) (int, error)
}

// ThrottleStore holds the single global throttle row.
type ThrottleStore interface {
	RetryNotBefore(ctx context.Context) (time.Time, error)
	// AdvanceRetryNotBefore moves the row forward only and returns the
	// effective value after the write.
	AdvanceRetryNotBefore(ctx context.Context, until time.Time) (time.Time, error)
}

type StepStatus string

const (
	StepDone   StepStatus = "done"
	StepFailed StepStatus = "failed"
)

// Orchestration is the durable progress record of one dispatch run.
type Orchestration struct {
	NotificationID string
	Stage          string
	Finished       bool
	Error          string
	StartedAt      time.Time
	UpdatedAt      time.Time
}

// Step is a checkpointed unit of orchestration work.
type Step struct {
	NotificationID string
	Key            string
	Status         StepStatus
	Attempts       int
	Result         []byte
	Error          string
	UpdatedAt      time.Time
}

type CheckpointStore interface {
	GetOrchestration(ctx context.Context, notificationID string) (Orchestration, error)
	SaveOrchestration(ctx context.Context, o Orchestration) error
	ListOrchestrations(ctx context.Context, finished bool) ([]Orchestration, error)
	GetStep(ctx context.Context, notificationID, key string) (Step, error)
	SaveStep(ctx context.Context, s Step) error
}

// LeaseStore provides expiring named leases for single-owner work.
type LeaseStore interface {
	AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, owner string) error
}

// Store is everything a backend provides.
type Store interface {
	NotificationStore
	RecipientStore
	ThrottleStore
	CheckpointStore
	LeaseStore
	directory.Store
	Ping(ctx context.Context) error
	Close() error
}
