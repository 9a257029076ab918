package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"herald/internal/directory"
	"herald/internal/notification"
	logx "herald/pkg/logx"
)

func openTestSQLite(t *testing.T) *sqliteStore {
	t.Helper()
	st, err := openSQLite(Config{Path: filepath.Join(t.TempDir(), "herald.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("openSQLite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSQLiteOpenReportsPragmaFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "herald.db")
	if err := os.WriteFile(path, []byte(strings.Repeat("not a database ", 64)), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := openSQLite(Config{Path: path}, logx.Nop())
	if err == nil || !strings.Contains(err.Error(), "PRAGMA") {
		t.Fatalf("err = %v, want the failing pragma named", err)
	}
}

func TestSQLiteNotificationVersioning(t *testing.T) {
	ctx := context.Background()
	st := openTestSQLite(t)

	rec, err := st.CreateNotification(ctx, notification.Record{
		ID: "n1", Title: "hello", Audience: notification.Audience{TeamIDs: []string{"t1"}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rec.Status = notification.StatusSyncingRecipients
	next, err := st.UpdateNotification(ctx, rec)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if next.Version != 2 {
		t.Fatalf("version = %d, want 2", next.Version)
	}
	// stale write loses
	if _, err := st.UpdateNotification(ctx, rec); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale update err = %v, want ErrVersionConflict", err)
	}
	got, err := st.GetNotification(ctx, "n1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != notification.StatusSyncingRecipients || len(got.Audience.TeamIDs) != 1 {
		t.Fatalf("unexpected record: %+v", got)
	}
	if _, err := st.GetNotification(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing err = %v", err)
	}
}

func TestSQLiteCommitSignalOnce(t *testing.T) {
	ctx := context.Background()
	st := openTestSQLite(t)
	rec, _ := st.CreateNotification(ctx, notification.Record{ID: "n1"})

	rec.Succeeded = 1
	rec, err := st.CommitSignal(ctx, rec, "u1")
	if err != nil {
		t.Fatalf("first commit: %v", err)
	}
	rec.Succeeded = 2
	if _, err := st.CommitSignal(ctx, rec, "u1"); !errors.Is(err, ErrAlreadyConsumed) {
		t.Fatalf("duplicate err = %v, want ErrAlreadyConsumed", err)
	}
	got, _ := st.GetNotification(ctx, "n1")
	if got.Succeeded != 1 {
		t.Fatalf("succeeded = %d, want 1", got.Succeeded)
	}
}

func TestSQLiteCommitSignalConflictRollsBackMarker(t *testing.T) {
	ctx := context.Background()
	st := openTestSQLite(t)
	rec, _ := st.CreateNotification(ctx, notification.Record{ID: "n1"})

	stale := rec
	stale.Version = 99
	if _, err := st.CommitSignal(ctx, stale, "u1"); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("err = %v, want ErrVersionConflict", err)
	}
	// the marker must not survive the failed transaction
	if _, err := st.CommitSignal(ctx, rec, "u1"); err != nil {
		t.Fatalf("retry commit: %v", err)
	}
}

func TestSQLiteRecipients(t *testing.T) {
	ctx := context.Background()
	st := openTestSQLite(t)

	rows := []notification.Recipient{
		{NotificationID: "n1", RecipientID: "b"},
		{NotificationID: "n1", RecipientID: "a"},
		{NotificationID: "n1", RecipientID: "c"},
	}
	n, err := st.InsertRecipients(ctx, rows)
	if err != nil || n != 3 {
		t.Fatalf("insert = %d, %v", n, err)
	}
	n, err = st.InsertRecipients(ctx, rows)
	if err != nil || n != 0 {
		t.Fatalf("reinsert = %d, %v", n, err)
	}
	if _, err := st.InsertRecipients(ctx, make([]notification.Recipient, MaxBatchWrite+1)); !errors.Is(err, ErrBatchTooLarge) {
		t.Fatalf("oversized batch err = %v", err)
	}

	keys, err := st.AssignBatches(ctx, "n1", 2)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if len(keys) != 2 || keys[0] != "n1:0" || keys[1] != "n1:1" {
		t.Fatalf("keys = %v", keys)
	}
	first, _ := st.ListBatch(ctx, "n1", keys[0])
	if len(first) != 2 || first[0].RecipientID != "a" || first[1].RecipientID != "b" {
		t.Fatalf("first batch = %+v", first)
	}

	_, _ = st.RecordOutcome(ctx, "n1", "a", notification.Outcome{
		StatusCode: notification.StatusCodeFaultedRetrying, Code: 429,
		DeliveryStatus: notification.DeliveryRetrying, ThrottleIncrease: 1,
	}, true)
	now := time.Now()
	rc, err := st.RecordOutcome(ctx, "n1", "a", notification.Outcome{
		StatusCode: 201, Code: 201, DeliveryStatus: notification.DeliverySucceeded, SentAt: &now,
	}, true)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rc.AllStatusCodes != "429,201" || rc.AttemptCount != 2 || rc.TotalThrottleCount != 1 || rc.SentAt == nil {
		t.Fatalf("recipient = %+v", rc)
	}

	_, _ = st.RecordOutcome(ctx, "n1", "b", notification.Outcome{
		StatusCode: notification.StatusCodeFaultedRetrying, Code: 429,
		DeliveryStatus: notification.DeliveryRetrying, ThrottleIncrease: 1,
	}, true)
	// a was throttled but delivered since; only b is still held back.
	if n, err := st.CountThrottled(ctx, "n1"); err != nil || n != 1 {
		t.Fatalf("throttled = %d, %v", n, err)
	}
	if total, _ := st.CountRecipients(ctx, "n1"); total != 3 {
		t.Fatalf("total = %d", total)
	}
}

func TestSQLiteThrottleOnlyMovesForward(t *testing.T) {
	ctx := context.Background()
	st := openTestSQLite(t)

	later := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	got, err := st.AdvanceRetryNotBefore(ctx, later)
	if err != nil || !got.Equal(later) {
		t.Fatalf("advance = %v, %v", got, err)
	}
	got, _ = st.AdvanceRetryNotBefore(ctx, later.Add(-30*time.Second))
	if !got.Equal(later) {
		t.Fatalf("moved backwards to %v", got)
	}
}

func TestSQLiteLease(t *testing.T) {
	ctx := context.Background()
	st := openTestSQLite(t)

	ok, _ := st.AcquireLease(ctx, "orch:n1", "a", time.Minute)
	if !ok {
		t.Fatal("first acquire failed")
	}
	if ok, _ := st.AcquireLease(ctx, "orch:n1", "b", time.Minute); ok {
		t.Fatal("second owner acquired a live lease")
	}
	if ok, _ := st.AcquireLease(ctx, "orch:n1", "a", time.Minute); !ok {
		t.Fatal("owner could not renew")
	}
	_ = st.ReleaseLease(ctx, "orch:n1", "a")
	if ok, _ := st.AcquireLease(ctx, "orch:n1", "b", time.Minute); !ok {
		t.Fatal("acquire after release failed")
	}
}

func TestSQLiteDirectoryRosterJoin(t *testing.T) {
	ctx := context.Background()
	st := openTestSQLite(t)
	rec := directory.NewRecorder(st)

	_ = rec.RecordUser(ctx, directory.Member{ID: "u1", Name: "ann", ConversationID: "c1"})
	_ = rec.ImportMembers(ctx, directory.KindRoster, "t1", []string{"u1", "u2"})

	d := directory.NewStoreDirectory(st, 10)
	page, err := d.TeamRoster(ctx, "t1", "")
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	if len(page.Members) != 2 || page.Next != "" {
		t.Fatalf("page = %+v", page)
	}
	if !page.Members[0].HasApp || page.Members[0].ConversationID != "c1" {
		t.Fatalf("known member = %+v", page.Members[0])
	}
	if page.Members[1].HasApp {
		t.Fatalf("unknown member reported HasApp")
	}
	if _, err := d.Team(ctx, "t1"); !errors.Is(err, directory.ErrUnknownTeam) {
		t.Fatalf("team err = %v", err)
	}
}

func TestSQLiteCheckpoints(t *testing.T) {
	ctx := context.Background()
	st := openTestSQLite(t)

	if err := st.SaveOrchestration(ctx, Orchestration{NotificationID: "n1", Stage: "start"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := st.SaveStep(ctx, Step{NotificationID: "n1", Key: "resolve", Status: StepDone, Attempts: 1, Result: []byte(`{"n":3}`)}); err != nil {
		t.Fatalf("save step: %v", err)
	}
	step, err := st.GetStep(ctx, "n1", "resolve")
	if err != nil || string(step.Result) != `{"n":3}` {
		t.Fatalf("step = %+v, %v", step, err)
	}
	open, _ := st.ListOrchestrations(ctx, false)
	if len(open) != 1 {
		t.Fatalf("open orchestrations = %d", len(open))
	}
	_ = st.SaveOrchestration(ctx, Orchestration{NotificationID: "n1", Stage: "completing", Finished: true})
	open, _ = st.ListOrchestrations(ctx, false)
	if len(open) != 0 {
		t.Fatalf("finished orchestration still listed")
	}
}
