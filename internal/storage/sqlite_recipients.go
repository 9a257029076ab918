package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"herald/internal/notification"
)

const recipientColumns = `notification_id, recipient_id, recipient_type, user_type,
	conversation_id, service_url, tenant_id, status_code, delivery_status,
	total_throttle_count, attempt_count, all_status_codes, error_message, batch_key, sent_at`

func scanRecipient(r rowScanner) (notification.Recipient, error) {
	var (
		rc       notification.Recipient
		rtype    string
		utype    string
		delivery string
		sent     sql.NullInt64
	)
	err := r.Scan(&rc.NotificationID, &rc.RecipientID, &rtype, &utype,
		&rc.ConversationID, &rc.ServiceURL, &rc.TenantID, &rc.StatusCode, &delivery,
		&rc.TotalThrottleCount, &rc.AttemptCount, &rc.AllStatusCodes, &rc.ErrorMessage, &rc.BatchKey, &sent)
	if err != nil {
		return notification.Recipient{}, err
	}
	rc.RecipientType = notification.RecipientType(rtype)
	rc.UserType = notification.UserType(utype)
	rc.DeliveryStatus = notification.DeliveryStatus(delivery)
	rc.SentAt = timePtr(sent)
	return rc, nil
}

func (s *sqliteStore) InsertRecipients(ctx context.Context, rs []notification.Recipient) (int, error) {
	if len(rs) == 0 {
		return 0, nil
	}
	if len(rs) > MaxBatchWrite {
		return 0, ErrBatchTooLarge
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO recipients(notification_id, recipient_id, recipient_type, user_type,
		   conversation_id, service_url, tenant_id, status_code, delivery_status, all_status_codes, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(notification_id, recipient_id) DO NOTHING`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, r := range rs {
		if r.RecipientType == "" {
			r.RecipientType = notification.RecipientUser
		}
		res, err := stmt.ExecContext(ctx, r.NotificationID, r.RecipientID, string(r.RecipientType), string(r.UserType),
			r.ConversationID, r.ServiceURL, r.TenantID, r.StatusCode, string(r.DeliveryStatus), r.AllStatusCodes, r.ErrorMessage)
		if err != nil {
			return 0, fmt.Errorf("insert recipient %s: %w", r.RecipientID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *sqliteStore) GetRecipient(ctx context.Context, notificationID, recipientID string) (notification.Recipient, error) {
	rc, err := scanRecipient(s.db.QueryRowContext(ctx,
		`SELECT `+recipientColumns+` FROM recipients WHERE notification_id = ? AND recipient_id = ?`,
		notificationID, recipientID))
	if errors.Is(err, sql.ErrNoRows) {
		return notification.Recipient{}, ErrNotFound
	}
	return rc, err
}

func (s *sqliteStore) RecordOutcome(ctx context.Context, notificationID, recipientID string, o notification.Outcome, countAttempt bool) (notification.Recipient, error) {
	attempt := boolInt(countAttempt)
	code := notification.AppendStatusCode("", o.Code)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recipients(notification_id, recipient_id, status_code, delivery_status, error_message,
		   total_throttle_count, attempt_count, all_status_codes, sent_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(notification_id, recipient_id) DO UPDATE SET
		   status_code = excluded.status_code,
		   delivery_status = excluded.delivery_status,
		   error_message = excluded.error_message,
		   total_throttle_count = recipients.total_throttle_count + excluded.total_throttle_count,
		   attempt_count = recipients.attempt_count + excluded.attempt_count,
		   all_status_codes = CASE WHEN recipients.all_status_codes = '' THEN excluded.all_status_codes
		                           ELSE recipients.all_status_codes || ',' || excluded.all_status_codes END,
		   sent_at = COALESCE(excluded.sent_at, recipients.sent_at)`,
		notificationID, recipientID, o.StatusCode, string(o.DeliveryStatus), o.ErrorMessage,
		o.ThrottleIncrease, attempt, code, millisPtr(o.SentAt))
	if err != nil {
		return notification.Recipient{}, err
	}
	return s.GetRecipient(ctx, notificationID, recipientID)
}

func (s *sqliteStore) SetConversation(ctx context.Context, notificationID, recipientID, conversationID, serviceURL, tenantID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recipients SET conversation_id = ?, service_url = ?, tenant_id = ?
		 WHERE notification_id = ? AND recipient_id = ?`,
		conversationID, serviceURL, tenantID, notificationID, recipientID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) AssignBatches(ctx context.Context, notificationID string, size int) ([]string, error) {
	if size <= 0 {
		return nil, fmt.Errorf("batch size must be > 0")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT recipient_id FROM recipients WHERE notification_id = ? ORDER BY recipient_id`, notificationID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx,
		`UPDATE recipients SET batch_key = ? WHERE notification_id = ? AND recipient_id = ?`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	keys := make([]string, 0, len(ids)/size+1)
	for i := 0; i < len(ids); i += size {
		key := BatchKey(notificationID, i/size)
		keys = append(keys, key)
		end := min(i+size, len(ids))
		for _, id := range ids[i:end] {
			if _, err := stmt.ExecContext(ctx, key, notificationID, id); err != nil {
				return nil, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *sqliteStore) ListBatch(ctx context.Context, notificationID, batchKey string) ([]notification.Recipient, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recipientColumns+` FROM recipients WHERE notification_id = ? AND batch_key = ? ORDER BY recipient_id`,
		notificationID, batchKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []notification.Recipient
	for rows.Next() {
		rc, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CountRecipients(ctx context.Context, notificationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM recipients WHERE notification_id = ?`, notificationID).Scan(&n)
	return n, err
}

func (s *sqliteStore) CountThrottled(ctx context.Context, notificationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM recipients
		 WHERE notification_id = ? AND total_throttle_count > 0 AND status_code IN (?, ?)`,
		notificationID, notification.StatusCodeInitializing, notification.StatusCodeFaultedRetrying).Scan(&n)
	return n, err
}

// BatchKey names the index-th dispatch batch of a notification.
func BatchKey(notificationID string, index int) string {
	return fmt.Sprintf("%s:%d", notificationID, index)
}
