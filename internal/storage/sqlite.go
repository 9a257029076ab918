package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "herald/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; transactions serialize on this conn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %q: %w", pragma, err)
		}
	}

	st := &sqliteStore{db: db, log: log.With(logx.Component("storage.sqlite"))}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	st.log.Debug("sqlite opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- throttle ----

func (s *sqliteStore) RetryNotBefore(ctx context.Context) (time.Time, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT retry_not_before FROM throttle_state WHERE id = 1`).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return fromMillis(ms), nil
}

func (s *sqliteStore) AdvanceRetryNotBefore(ctx context.Context, until time.Time) (time.Time, error) {
	ms := until.UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO throttle_state(id, retry_not_before) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET retry_not_before = excluded.retry_not_before
		 WHERE excluded.retry_not_before > throttle_state.retry_not_before`, ms)
	if err != nil {
		return time.Time{}, err
	}
	return s.RetryNotBefore(ctx)
}

// ---- leases ----

func (s *sqliteStore) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO leases(lease_key, owner, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(lease_key) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		 WHERE leases.owner = excluded.owner OR leases.expires_at < ?`,
		key, owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) ReleaseLease(ctx context.Context, key, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE lease_key = ? AND owner = ?`, key, owner)
	return err
}

// ---- checkpoints ----

func (s *sqliteStore) GetOrchestration(ctx context.Context, notificationID string) (Orchestration, error) {
	var (
		o        Orchestration
		finished int
		started  int64
		updated  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT notification_id, stage, finished, error, started_at, updated_at
		 FROM orchestrations WHERE notification_id = ?`, notificationID,
	).Scan(&o.NotificationID, &o.Stage, &finished, &o.Error, &started, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Orchestration{}, ErrNotFound
	}
	if err != nil {
		return Orchestration{}, err
	}
	o.Finished = finished != 0
	o.StartedAt = fromMillis(started)
	o.UpdatedAt = fromMillis(updated)
	return o, nil
}

func (s *sqliteStore) SaveOrchestration(ctx context.Context, o Orchestration) error {
	now := time.Now()
	if o.StartedAt.IsZero() {
		o.StartedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orchestrations(notification_id, stage, finished, error, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(notification_id) DO UPDATE SET
		   stage = excluded.stage, finished = excluded.finished,
		   error = excluded.error, updated_at = excluded.updated_at`,
		o.NotificationID, o.Stage, boolInt(o.Finished), o.Error, o.StartedAt.UnixMilli(), now.UnixMilli())
	return err
}

func (s *sqliteStore) ListOrchestrations(ctx context.Context, finished bool) ([]Orchestration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT notification_id, stage, finished, error, started_at, updated_at
		 FROM orchestrations WHERE finished = ? ORDER BY started_at`, boolInt(finished))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Orchestration
	for rows.Next() {
		var (
			o        Orchestration
			fin      int
			started  int64
			updated  int64
		)
		if err := rows.Scan(&o.NotificationID, &o.Stage, &fin, &o.Error, &started, &updated); err != nil {
			return nil, err
		}
		o.Finished = fin != 0
		o.StartedAt = fromMillis(started)
		o.UpdatedAt = fromMillis(updated)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetStep(ctx context.Context, notificationID, key string) (Step, error) {
	var (
		st      Step
		status  string
		result  string
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT notification_id, step_key, status, attempts, result, error, updated_at
		 FROM orchestration_steps WHERE notification_id = ? AND step_key = ?`, notificationID, key,
	).Scan(&st.NotificationID, &st.Key, &status, &st.Attempts, &result, &st.Error, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Step{}, ErrNotFound
	}
	if err != nil {
		return Step{}, err
	}
	st.Status = StepStatus(status)
	if result != "" {
		st.Result = []byte(result)
	}
	st.UpdatedAt = fromMillis(updated)
	return st, nil
}

func (s *sqliteStore) SaveStep(ctx context.Context, st Step) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orchestration_steps(notification_id, step_key, status, attempts, result, error, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(notification_id, step_key) DO UPDATE SET
		   status = excluded.status, attempts = excluded.attempts,
		   result = excluded.result, error = excluded.error, updated_at = excluded.updated_at`,
		st.NotificationID, st.Key, string(st.Status), st.Attempts, string(st.Result), st.Error, time.Now().UnixMilli())
	return err
}

// ---- helpers ----

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func millisPtr(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid || v.Int64 == 0 {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
