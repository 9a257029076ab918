package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"herald/internal/directory"
	"herald/internal/notification"
	logx "herald/pkg/logx"
)

type pgNotification struct {
	ID                  string         `gorm:"column:id;primaryKey"`
	Title               string         `gorm:"column:title"`
	Content             string         `gorm:"column:content"`
	Format              string         `gorm:"column:format"`
	Audience            datatypes.JSON `gorm:"column:audience"`
	Status              int            `gorm:"column:status;index"`
	TotalRecipientCount int            `gorm:"column:total_recipient_count"`
	Succeeded           int            `gorm:"column:succeeded"`
	Failed              int            `gorm:"column:failed"`
	Throttled           int            `gorm:"column:throttled"`
	Unknown             int            `gorm:"column:unknown"`
	ErrorMessage        string         `gorm:"column:error_message"`
	CreatedAt           time.Time      `gorm:"column:created_at"`
	UpdatedAt           time.Time      `gorm:"column:updated_at"`
	SendingStartedAt    *time.Time     `gorm:"column:sending_started_at"`
	CompletedAt         *time.Time     `gorm:"column:completed_at"`
	Version             int64          `gorm:"column:version"`
}

func (pgNotification) TableName() string { return "notifications" }

type pgSnapshot struct {
	NotificationID string    `gorm:"column:notification_id;primaryKey"`
	Title          string    `gorm:"column:title"`
	Content        string    `gorm:"column:content"`
	Format         string    `gorm:"column:format"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

func (pgSnapshot) TableName() string { return "content_snapshots" }

type pgConsumedSignal struct {
	NotificationID string    `gorm:"column:notification_id;primaryKey"`
	SignalKey      string    `gorm:"column:signal_key;primaryKey"`
	ConsumedAt     time.Time `gorm:"column:consumed_at"`
}

func (pgConsumedSignal) TableName() string { return "consumed_signals" }

type pgRecipient struct {
	NotificationID     string     `gorm:"column:notification_id;primaryKey;index:recipients_batch,priority:1"`
	RecipientID        string     `gorm:"column:recipient_id;primaryKey"`
	RecipientType      string     `gorm:"column:recipient_type;default:User"`
	UserType           string     `gorm:"column:user_type"`
	ConversationID     string     `gorm:"column:conversation_id"`
	ServiceURL         string     `gorm:"column:service_url"`
	TenantID           string     `gorm:"column:tenant_id"`
	StatusCode         int        `gorm:"column:status_code"`
	DeliveryStatus     string     `gorm:"column:delivery_status"`
	TotalThrottleCount int        `gorm:"column:total_throttle_count"`
	AttemptCount       int        `gorm:"column:attempt_count"`
	AllStatusCodes     string     `gorm:"column:all_status_codes"`
	ErrorMessage       string     `gorm:"column:error_message"`
	BatchKey           string     `gorm:"column:batch_key;index:recipients_batch,priority:2"`
	SentAt             *time.Time `gorm:"column:sent_at"`
}

func (pgRecipient) TableName() string { return "recipients" }

type pgThrottle struct {
	ID             int       `gorm:"column:id;primaryKey;autoIncrement:false"`
	RetryNotBefore time.Time `gorm:"column:retry_not_before"`
}

func (pgThrottle) TableName() string { return "throttle_state" }

type pgOrchestration struct {
	NotificationID string    `gorm:"column:notification_id;primaryKey"`
	Stage          string    `gorm:"column:stage"`
	Finished       bool      `gorm:"column:finished;index"`
	Error          string    `gorm:"column:error"`
	StartedAt      time.Time `gorm:"column:started_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
}

func (pgOrchestration) TableName() string { return "orchestrations" }

type pgStep struct {
	NotificationID string    `gorm:"column:notification_id;primaryKey"`
	StepKey        string    `gorm:"column:step_key;primaryKey"`
	Status         string    `gorm:"column:status"`
	Attempts       int       `gorm:"column:attempts"`
	Result         []byte    `gorm:"column:result"`
	Error          string    `gorm:"column:error"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
}

func (pgStep) TableName() string { return "orchestration_steps" }

type pgLease struct {
	LeaseKey  string    `gorm:"column:lease_key;primaryKey"`
	Owner     string    `gorm:"column:owner"`
	ExpiresAt time.Time `gorm:"column:expires_at"`
}

func (pgLease) TableName() string { return "leases" }

type pgUser struct {
	ID             string    `gorm:"column:id;primaryKey"`
	Name           string    `gorm:"column:name"`
	Guest          bool      `gorm:"column:guest"`
	HasApp         bool      `gorm:"column:has_app"`
	ConversationID string    `gorm:"column:conversation_id"`
	ServiceURL     string    `gorm:"column:service_url"`
	TenantID       string    `gorm:"column:tenant_id"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
}

func (pgUser) TableName() string { return "directory_users" }

type pgTeam struct {
	ID             string    `gorm:"column:id;primaryKey"`
	Name           string    `gorm:"column:name"`
	ConversationID string    `gorm:"column:conversation_id"`
	ServiceURL     string    `gorm:"column:service_url"`
	TenantID       string    `gorm:"column:tenant_id"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
}

func (pgTeam) TableName() string { return "directory_teams" }

type pgMember struct {
	Kind     string `gorm:"column:kind;primaryKey"`
	GroupID  string `gorm:"column:group_id;primaryKey"`
	MemberID string `gorm:"column:member_id;primaryKey"`
}

func (pgMember) TableName() string { return "directory_members" }

type postgresStore struct {
	db  *gorm.DB
	log logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (*postgresStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Silent),
		PrepareStmt: true,
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(orDefault(cfg.MaxOpenConns, 50))
	sqlDB.SetMaxIdleConns(orDefault(cfg.MaxIdleConns, 10))
	life := cfg.ConnMaxLifetime
	if life <= 0 {
		life = 60 * time.Minute
	}
	sqlDB.SetConnMaxLifetime(life)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	err = db.AutoMigrate(
		&pgNotification{}, &pgSnapshot{}, &pgConsumedSignal{}, &pgRecipient{},
		&pgThrottle{}, &pgOrchestration{}, &pgStep{}, &pgLease{},
		&pgUser{}, &pgTeam{}, &pgMember{},
	)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&pgThrottle{ID: 1, RetryNotBefore: time.Unix(0, 0)}).Error; err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	st := &postgresStore{db: db, log: log.With(logx.Component("storage.postgres"))}
	st.log.Debug("postgres opened")
	return st, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (s *postgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *postgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ---- notifications ----

func toRecord(n pgNotification) (notification.Record, error) {
	rec := notification.Record{
		ID: n.ID, Title: n.Title, Content: n.Content, Format: n.Format,
		Status:              notification.Status(n.Status),
		TotalRecipientCount: n.TotalRecipientCount,
		Succeeded:           n.Succeeded, Failed: n.Failed, Throttled: n.Throttled, Unknown: n.Unknown,
		ErrorMessage: n.ErrorMessage,
		CreatedAt:    n.CreatedAt, UpdatedAt: n.UpdatedAt,
		SendingStartedAt: n.SendingStartedAt, CompletedAt: n.CompletedAt,
		Version: n.Version,
	}
	if len(n.Audience) > 0 {
		if err := json.Unmarshal(n.Audience, &rec.Audience); err != nil {
			return notification.Record{}, fmt.Errorf("decode audience of %s: %w", n.ID, err)
		}
	}
	return rec, nil
}

func (s *postgresStore) CreateNotification(ctx context.Context, rec notification.Record) (notification.Record, error) {
	if strings.TrimSpace(rec.ID) == "" {
		return notification.Record{}, errors.New("notification id required")
	}
	aud, err := json.Marshal(rec.Audience)
	if err != nil {
		return notification.Record{}, err
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Version = 1
	row := pgNotification{
		ID: rec.ID, Title: rec.Title, Content: rec.Content, Format: rec.Format,
		Audience: datatypes.JSON(aud), Status: int(rec.Status),
		CreatedAt: rec.CreatedAt, UpdatedAt: rec.UpdatedAt, Version: 1,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return notification.Record{}, err
	}
	return rec, nil
}

func (s *postgresStore) GetNotification(ctx context.Context, id string) (notification.Record, error) {
	var row pgNotification
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notification.Record{}, ErrNotFound
	}
	if err != nil {
		return notification.Record{}, err
	}
	return toRecord(row)
}

func pgUpdateNotification(tx *gorm.DB, rec notification.Record) (notification.Record, error) {
	now := time.Now()
	res := tx.Model(&pgNotification{}).
		Where("id = ? AND version = ?", rec.ID, rec.Version).
		UpdateColumns(map[string]any{
			"status":                int(rec.Status),
			"total_recipient_count": rec.TotalRecipientCount,
			"succeeded":             rec.Succeeded,
			"failed":                rec.Failed,
			"throttled":             rec.Throttled,
			"unknown":               rec.Unknown,
			"error_message":         rec.ErrorMessage,
			"sending_started_at":    rec.SendingStartedAt,
			"completed_at":          rec.CompletedAt,
			"updated_at":            now,
			"version":               gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return notification.Record{}, res.Error
	}
	if res.RowsAffected == 0 {
		return notification.Record{}, ErrVersionConflict
	}
	rec.Version++
	rec.UpdatedAt = now
	return rec, nil
}

func (s *postgresStore) UpdateNotification(ctx context.Context, rec notification.Record) (notification.Record, error) {
	return pgUpdateNotification(s.db.WithContext(ctx), rec)
}

func (s *postgresStore) CommitSignal(ctx context.Context, rec notification.Record, key string) (notification.Record, error) {
	var out notification.Record
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&pgConsumedSignal{
			NotificationID: rec.ID, SignalKey: key, ConsumedAt: time.Now(),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyConsumed
		}
		var err error
		out, err = pgUpdateNotification(tx, rec)
		return err
	})
	if err != nil {
		return notification.Record{}, err
	}
	return out, nil
}

func (s *postgresStore) ListNotifications(ctx context.Context, statuses ...notification.Status) ([]notification.Record, error) {
	q := s.db.WithContext(ctx).Order("created_at")
	if len(statuses) > 0 {
		ints := make([]int, len(statuses))
		for i, st := range statuses {
			ints[i] = int(st)
		}
		q = q.Where("status IN ?", ints)
	}
	var rows []pgNotification
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]notification.Record, 0, len(rows))
	for _, r := range rows {
		rec, err := toRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *postgresStore) PutSnapshot(ctx context.Context, snap notification.ContentSnapshot) error {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&pgSnapshot{
		NotificationID: snap.NotificationID, Title: snap.Title, Content: snap.Content,
		Format: snap.Format, CreatedAt: snap.CreatedAt,
	}).Error
}

func (s *postgresStore) GetSnapshot(ctx context.Context, notificationID string) (notification.ContentSnapshot, error) {
	var row pgSnapshot
	err := s.db.WithContext(ctx).Where("notification_id = ?", notificationID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notification.ContentSnapshot{}, notification.ErrSnapshotMissing
	}
	if err != nil {
		return notification.ContentSnapshot{}, err
	}
	return notification.ContentSnapshot{
		NotificationID: row.NotificationID, Title: row.Title, Content: row.Content,
		Format: row.Format, CreatedAt: row.CreatedAt,
	}, nil
}

// ---- recipients ----

func toRecipient(r pgRecipient) notification.Recipient {
	return notification.Recipient{
		NotificationID: r.NotificationID, RecipientID: r.RecipientID,
		RecipientType:  notification.RecipientType(r.RecipientType),
		UserType:       notification.UserType(r.UserType),
		ConversationID: r.ConversationID, ServiceURL: r.ServiceURL, TenantID: r.TenantID,
		StatusCode:         r.StatusCode,
		DeliveryStatus:     notification.DeliveryStatus(r.DeliveryStatus),
		TotalThrottleCount: r.TotalThrottleCount, AttemptCount: r.AttemptCount,
		AllStatusCodes: r.AllStatusCodes, ErrorMessage: r.ErrorMessage,
		BatchKey: r.BatchKey, SentAt: r.SentAt,
	}
}

func (s *postgresStore) InsertRecipients(ctx context.Context, rs []notification.Recipient) (int, error) {
	if len(rs) == 0 {
		return 0, nil
	}
	if len(rs) > MaxBatchWrite {
		return 0, ErrBatchTooLarge
	}
	rows := make([]pgRecipient, 0, len(rs))
	for _, r := range rs {
		rt := string(r.RecipientType)
		if rt == "" {
			rt = string(notification.RecipientUser)
		}
		rows = append(rows, pgRecipient{
			NotificationID: r.NotificationID, RecipientID: r.RecipientID,
			RecipientType: rt, UserType: string(r.UserType),
			ConversationID: r.ConversationID, ServiceURL: r.ServiceURL, TenantID: r.TenantID,
			StatusCode: r.StatusCode, DeliveryStatus: string(r.DeliveryStatus),
			AllStatusCodes: r.AllStatusCodes, ErrorMessage: r.ErrorMessage,
		})
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows)
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

func (s *postgresStore) GetRecipient(ctx context.Context, notificationID, recipientID string) (notification.Recipient, error) {
	var row pgRecipient
	err := s.db.WithContext(ctx).
		Where("notification_id = ? AND recipient_id = ?", notificationID, recipientID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notification.Recipient{}, ErrNotFound
	}
	if err != nil {
		return notification.Recipient{}, err
	}
	return toRecipient(row), nil
}

func (s *postgresStore) RecordOutcome(ctx context.Context, notificationID, recipientID string, o notification.Outcome, countAttempt bool) (notification.Recipient, error) {
	row := pgRecipient{
		NotificationID: notificationID, RecipientID: recipientID,
		RecipientType:      string(notification.RecipientUser),
		StatusCode:         o.StatusCode,
		DeliveryStatus:     string(o.DeliveryStatus),
		ErrorMessage:       o.ErrorMessage,
		TotalThrottleCount: o.ThrottleIncrease,
		AttemptCount:       boolInt(countAttempt),
		AllStatusCodes:     notification.AppendStatusCode("", o.Code),
		SentAt:             o.SentAt,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "notification_id"}, {Name: "recipient_id"}},
		DoUpdates: clause.Set{
			{Column: clause.Column{Name: "status_code"}, Value: gorm.Expr("excluded.status_code")},
			{Column: clause.Column{Name: "delivery_status"}, Value: gorm.Expr("excluded.delivery_status")},
			{Column: clause.Column{Name: "error_message"}, Value: gorm.Expr("excluded.error_message")},
			{Column: clause.Column{Name: "total_throttle_count"}, Value: gorm.Expr("recipients.total_throttle_count + excluded.total_throttle_count")},
			{Column: clause.Column{Name: "attempt_count"}, Value: gorm.Expr("recipients.attempt_count + excluded.attempt_count")},
			{Column: clause.Column{Name: "all_status_codes"}, Value: gorm.Expr(
				"CASE WHEN recipients.all_status_codes = '' THEN excluded.all_status_codes " +
					"ELSE recipients.all_status_codes || ',' || excluded.all_status_codes END")},
			{Column: clause.Column{Name: "sent_at"}, Value: gorm.Expr("COALESCE(excluded.sent_at, recipients.sent_at)")},
		},
	}).Create(&row).Error
	if err != nil {
		return notification.Recipient{}, err
	}
	return s.GetRecipient(ctx, notificationID, recipientID)
}

func (s *postgresStore) SetConversation(ctx context.Context, notificationID, recipientID, conversationID, serviceURL, tenantID string) error {
	res := s.db.WithContext(ctx).Model(&pgRecipient{}).
		Where("notification_id = ? AND recipient_id = ?", notificationID, recipientID).
		UpdateColumns(map[string]any{
			"conversation_id": conversationID,
			"service_url":     serviceURL,
			"tenant_id":       tenantID,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) AssignBatches(ctx context.Context, notificationID string, size int) ([]string, error) {
	if size <= 0 {
		return nil, fmt.Errorf("batch size must be > 0")
	}
	var ids []string
	err := s.db.WithContext(ctx).Model(&pgRecipient{}).
		Where("notification_id = ?", notificationID).
		Order("recipient_id").
		Pluck("recipient_id", &ids).Error
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)

	var keys []string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := 0; i < len(ids); i += size {
			key := BatchKey(notificationID, i/size)
			keys = append(keys, key)
			end := min(i+size, len(ids))
			if err := tx.Model(&pgRecipient{}).
				Where("notification_id = ? AND recipient_id IN ?", notificationID, ids[i:end]).
				UpdateColumn("batch_key", key).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *postgresStore) ListBatch(ctx context.Context, notificationID, batchKey string) ([]notification.Recipient, error) {
	var rows []pgRecipient
	err := s.db.WithContext(ctx).
		Where("notification_id = ? AND batch_key = ?", notificationID, batchKey).
		Order("recipient_id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]notification.Recipient, 0, len(rows))
	for _, r := range rows {
		out = append(out, toRecipient(r))
	}
	return out, nil
}

func (s *postgresStore) CountRecipients(ctx context.Context, notificationID string) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&pgRecipient{}).Where("notification_id = ?", notificationID).Count(&n).Error
	return int(n), err
}

func (s *postgresStore) CountThrottled(ctx context.Context, notificationID string) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&pgRecipient{}).
		Where("notification_id = ? AND total_throttle_count > 0", notificationID).
		Where("status_code IN ?", []int{notification.StatusCodeInitializing, notification.StatusCodeFaultedRetrying}).
		Count(&n).Error
	return int(n), err
}

// ---- throttle ----

func (s *postgresStore) RetryNotBefore(ctx context.Context) (time.Time, error) {
	var row pgThrottle
	err := s.db.WithContext(ctx).Where("id = 1").Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	if row.RetryNotBefore.Unix() <= 0 {
		return time.Time{}, nil
	}
	return row.RetryNotBefore, nil
}

func (s *postgresStore) AdvanceRetryNotBefore(ctx context.Context, until time.Time) (time.Time, error) {
	err := s.db.WithContext(ctx).Model(&pgThrottle{}).
		Where("id = 1 AND retry_not_before < ?", until).
		UpdateColumn("retry_not_before", until).Error
	if err != nil {
		return time.Time{}, err
	}
	return s.RetryNotBefore(ctx)
}

// ---- leases ----

func (s *postgresStore) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "lease_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner", "expires_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			gorm.Expr("leases.owner = excluded.owner OR leases.expires_at < ?", now),
		}},
	}).Create(&pgLease{LeaseKey: key, Owner: owner, ExpiresAt: now.Add(ttl)})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *postgresStore) ReleaseLease(ctx context.Context, key, owner string) error {
	return s.db.WithContext(ctx).Where("lease_key = ? AND owner = ?", key, owner).Delete(&pgLease{}).Error
}

// ---- checkpoints ----

func (s *postgresStore) GetOrchestration(ctx context.Context, notificationID string) (Orchestration, error) {
	var row pgOrchestration
	err := s.db.WithContext(ctx).Where("notification_id = ?", notificationID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Orchestration{}, ErrNotFound
	}
	if err != nil {
		return Orchestration{}, err
	}
	return Orchestration(row), nil
}

func (s *postgresStore) SaveOrchestration(ctx context.Context, o Orchestration) error {
	now := time.Now()
	if o.StartedAt.IsZero() {
		o.StartedAt = now
	}
	o.UpdatedAt = now
	row := pgOrchestration(o)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "notification_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"stage", "finished", "error", "updated_at"}),
	}).Create(&row).Error
}

func (s *postgresStore) ListOrchestrations(ctx context.Context, finished bool) ([]Orchestration, error) {
	var rows []pgOrchestration
	if err := s.db.WithContext(ctx).Where("finished = ?", finished).Order("started_at").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Orchestration, 0, len(rows))
	for _, r := range rows {
		out = append(out, Orchestration(r))
	}
	return out, nil
}

func (s *postgresStore) GetStep(ctx context.Context, notificationID, key string) (Step, error) {
	var row pgStep
	err := s.db.WithContext(ctx).Where("notification_id = ? AND step_key = ?", notificationID, key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Step{}, ErrNotFound
	}
	if err != nil {
		return Step{}, err
	}
	return Step{
		NotificationID: row.NotificationID, Key: row.StepKey, Status: StepStatus(row.Status),
		Attempts: row.Attempts, Result: row.Result, Error: row.Error, UpdatedAt: row.UpdatedAt,
	}, nil
}

func (s *postgresStore) SaveStep(ctx context.Context, st Step) error {
	row := pgStep{
		NotificationID: st.NotificationID, StepKey: st.Key, Status: string(st.Status),
		Attempts: st.Attempts, Result: st.Result, Error: st.Error, UpdatedAt: time.Now(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "notification_id"}, {Name: "step_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "attempts", "result", "error", "updated_at"}),
	}).Create(&row).Error
}

// ---- directory ----

func toMember(u pgUser) directory.Member {
	return directory.Member{
		ID: u.ID, Name: u.Name, Guest: u.Guest, HasApp: u.HasApp,
		ConversationID: u.ConversationID, ServiceURL: u.ServiceURL, TenantID: u.TenantID,
	}
}

func (s *postgresStore) ListUsers(ctx context.Context, after string, limit int) ([]directory.Member, error) {
	var rows []pgUser
	if err := s.db.WithContext(ctx).Where("id > ?", after).Order("id").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]directory.Member, 0, len(rows))
	for _, r := range rows {
		out = append(out, toMember(r))
	}
	return out, nil
}

func (s *postgresStore) ListMembers(ctx context.Context, kind directory.GroupKind, groupID, after string, limit int) ([]directory.Member, error) {
	var rows []pgUser
	err := s.db.WithContext(ctx).Table("directory_members AS m").
		Select(`m.member_id AS id, COALESCE(u.name, '') AS name, COALESCE(u.guest, false) AS guest,
			COALESCE(u.has_app, false) AS has_app, COALESCE(u.conversation_id, '') AS conversation_id,
			COALESCE(u.service_url, '') AS service_url, COALESCE(u.tenant_id, '') AS tenant_id`).
		Joins("LEFT JOIN directory_users u ON u.id = m.member_id").
		Where("m.kind = ? AND m.group_id = ? AND m.member_id > ?", string(kind), groupID, after).
		Order("m.member_id").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]directory.Member, 0, len(rows))
	for _, r := range rows {
		out = append(out, toMember(r))
	}
	return out, nil
}

func (s *postgresStore) GetTeam(ctx context.Context, teamID string) (directory.Team, error) {
	var row pgTeam
	err := s.db.WithContext(ctx).Where("id = ?", teamID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return directory.Team{}, directory.ErrUnknownTeam
	}
	if err != nil {
		return directory.Team{}, err
	}
	return directory.Team{
		ID: row.ID, Name: row.Name, ConversationID: row.ConversationID,
		ServiceURL: row.ServiceURL, TenantID: row.TenantID,
	}, nil
}

func (s *postgresStore) UpsertUser(ctx context.Context, m directory.Member) error {
	row := pgUser{
		ID: m.ID, Name: m.Name, Guest: m.Guest, HasApp: m.HasApp,
		ConversationID: m.ConversationID, ServiceURL: m.ServiceURL, TenantID: m.TenantID,
		UpdatedAt: time.Now(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Set{
			{Column: clause.Column{Name: "name"}, Value: gorm.Expr("excluded.name")},
			{Column: clause.Column{Name: "guest"}, Value: gorm.Expr("excluded.guest")},
			{Column: clause.Column{Name: "has_app"}, Value: gorm.Expr("directory_users.has_app OR excluded.has_app")},
			{Column: clause.Column{Name: "conversation_id"}, Value: gorm.Expr(
				"CASE WHEN excluded.conversation_id = '' THEN directory_users.conversation_id ELSE excluded.conversation_id END")},
			{Column: clause.Column{Name: "service_url"}, Value: gorm.Expr("excluded.service_url")},
			{Column: clause.Column{Name: "tenant_id"}, Value: gorm.Expr("excluded.tenant_id")},
			{Column: clause.Column{Name: "updated_at"}, Value: gorm.Expr("excluded.updated_at")},
		},
	}).Create(&row).Error
}

func (s *postgresStore) UpsertTeam(ctx context.Context, t directory.Team) error {
	row := pgTeam{
		ID: t.ID, Name: t.Name, ConversationID: t.ConversationID,
		ServiceURL: t.ServiceURL, TenantID: t.TenantID, UpdatedAt: time.Now(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "conversation_id", "service_url", "tenant_id", "updated_at"}),
	}).Create(&row).Error
}

func (s *postgresStore) ReplaceMembers(ctx context.Context, kind directory.GroupKind, groupID string, memberIDs []string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("kind = ? AND group_id = ?", string(kind), groupID).Delete(&pgMember{}).Error; err != nil {
			return err
		}
		if len(memberIDs) == 0 {
			return nil
		}
		rows := make([]pgMember, 0, len(memberIDs))
		for _, id := range memberIDs {
			rows = append(rows, pgMember{Kind: string(kind), GroupID: groupID, MemberID: id})
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(rows, MaxBatchWrite).Error
	})
}
