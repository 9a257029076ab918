package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"herald/internal/notification"
)

const notificationColumns = `id, title, content, format, audience, status,
	total_recipient_count, succeeded, failed, throttled, unknown, error_message,
	created_at, updated_at, sending_started_at, completed_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(r rowScanner) (notification.Record, error) {
	var (
		rec      notification.Record
		audience string
		status   int
		created  int64
		updated  int64
		started  sql.NullInt64
		done     sql.NullInt64
	)
	err := r.Scan(&rec.ID, &rec.Title, &rec.Content, &rec.Format, &audience, &status,
		&rec.TotalRecipientCount, &rec.Succeeded, &rec.Failed, &rec.Throttled, &rec.Unknown, &rec.ErrorMessage,
		&created, &updated, &started, &done, &rec.Version)
	if err != nil {
		return notification.Record{}, err
	}
	if audience != "" {
		if err := json.Unmarshal([]byte(audience), &rec.Audience); err != nil {
			return notification.Record{}, fmt.Errorf("decode audience of %s: %w", rec.ID, err)
		}
	}
	rec.Status = notification.Status(status)
	rec.CreatedAt = fromMillis(created)
	rec.UpdatedAt = fromMillis(updated)
	rec.SendingStartedAt = timePtr(started)
	rec.CompletedAt = timePtr(done)
	return rec, nil
}

func (s *sqliteStore) CreateNotification(ctx context.Context, rec notification.Record) (notification.Record, error) {
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO notifications(id, title, content, format, audience, status, created_at, updated_at, version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		rec.ID, rec.Title, rec.Content, rec.Format, string(aud), int(rec.Status),
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli())
	if err != nil {
		return notification.Record{}, err
	}
	return rec, nil
}

func (s *sqliteStore) GetNotification(ctx context.Context, id string) (notification.Record, error) {
	rec, err := scanNotification(s.db.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return notification.Record{}, ErrNotFound
	}
	return rec, err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateNotification(ctx context.Context, db execer, rec notification.Record) (notification.Record, error) {
	now := time.Now()
	res, err := db.ExecContext(ctx,
		`UPDATE notifications SET
		   status = ?, total_recipient_count = ?, succeeded = ?, failed = ?, throttled = ?, unknown = ?,
		   error_message = ?, sending_started_at = ?, completed_at = ?, updated_at = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		int(rec.Status), rec.TotalRecipientCount, rec.Succeeded, rec.Failed, rec.Throttled, rec.Unknown,
		rec.ErrorMessage, millisPtr(rec.SendingStartedAt), millisPtr(rec.CompletedAt), now.UnixMilli(),
		rec.ID, rec.Version)
	if err != nil {
		return notification.Record{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return notification.Record{}, err
	}
	if n == 0 {
		return notification.Record{}, ErrVersionConflict
	}
	rec.Version++
	rec.UpdatedAt = now
	return rec, nil
}

func (s *sqliteStore) UpdateNotification(ctx context.Context, rec notification.Record) (notification.Record, error) {
	return updateNotification(ctx, s.db, rec)
}

func (s *sqliteStore) CommitSignal(ctx context.Context, rec notification.Record, key string) (notification.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return notification.Record{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO consumed_signals(notification_id, signal_key, consumed_at) VALUES (?, ?, ?)
		 ON CONFLICT(notification_id, signal_key) DO NOTHING`,
		rec.ID, key, time.Now().UnixMilli())
	if err != nil {
		return notification.Record{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return notification.Record{}, err
	} else if n == 0 {
		return notification.Record{}, ErrAlreadyConsumed
	}

	out, err := updateNotification(ctx, tx, rec)
	if err != nil {
		return notification.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return notification.Record{}, err
	}
	return out, nil
}

func (s *sqliteStore) ListNotifications(ctx context.Context, statuses ...notification.Status) ([]notification.Record, error) {
	q := `SELECT ` + notificationColumns + ` FROM notifications`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		q += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, int(st))
		}
	}
	q += ` ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []notification.Record
	for rows.Next() {
		rec, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutSnapshot(ctx context.Context, snap notification.ContentSnapshot) error {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO content_snapshots(notification_id, title, content, format, created_at)
		 VALUES (?, ?, ?, ?, ?) ON CONFLICT(notification_id) DO NOTHING`,
		snap.NotificationID, snap.Title, snap.Content, snap.Format, snap.CreatedAt.UnixMilli())
	return err
}

func (s *sqliteStore) GetSnapshot(ctx context.Context, notificationID string) (notification.ContentSnapshot, error) {
	var (
		snap    notification.ContentSnapshot
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT notification_id, title, content, format, created_at FROM content_snapshots WHERE notification_id = ?`,
		notificationID,
	).Scan(&snap.NotificationID, &snap.Title, &snap.Content, &snap.Format, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return notification.ContentSnapshot{}, notification.ErrSnapshotMissing
	}
	if err != nil {
		return notification.ContentSnapshot{}, err
	}
	snap.CreatedAt = fromMillis(created)
	return snap, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
