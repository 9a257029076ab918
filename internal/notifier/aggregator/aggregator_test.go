package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"herald/internal/notification"
	"herald/internal/storage"
	"herald/internal/storage/storagetest"
	"herald/internal/transport"
	logx "herald/pkg/logx"
)

func sending(t *testing.T, st storage.Store, id string, total int, started time.Time) {
	t.Helper()
	ctx := context.Background()
	rec, err := st.CreateNotification(ctx, notification.Record{ID: id, Audience: notification.Audience{AllUsers: true}})
	if err != nil {
		t.Fatal(err)
	}
	rec.Status = notification.StatusSending
	rec.TotalRecipientCount = total
	rec.SendingStartedAt = &started
	if _, err := st.UpdateNotification(ctx, rec); err != nil {
		t.Fatal(err)
	}
}

func outcome(id, recipient string, r notification.ResultType) notification.Signal {
	return notification.Signal{Kind: notification.SignalOutcome, NotificationID: id, RecipientID: recipient, Result: r, At: time.Now()}
}

func get(t *testing.T, st storage.Store, id string) notification.Record {
	t.Helper()
	rec, err := st.GetNotification(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestCoverageCompletes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storagetest.SQLite(t)
	sending(t, st, "n1", 3, time.Now())
	a := New(st, Config{}, logx.Nop(), nil)

	_ = a.Apply(ctx, outcome("n1", "a", notification.ResultSucceeded))
	_ = a.Apply(ctx, outcome("n1", "b", notification.ResultRecipientNotFound))
	if rec := get(t, st, "n1"); rec.Status != notification.StatusSending {
		t.Fatalf("completed early: %+v", rec)
	}
	_ = a.Apply(ctx, outcome("n1", "c", notification.ResultSucceeded))

	rec := get(t, st, "n1")
	if rec.Status != notification.StatusSent || rec.Succeeded != 2 || rec.Failed != 1 || rec.CompletedAt == nil {
		t.Fatalf("rec = %+v", rec)
	}
}

func TestDuplicateSignalCountedOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storagetest.SQLite(t)
	sending(t, st, "n1", 5, time.Now())
	a := New(st, Config{}, logx.Nop(), nil)

	for i := 0; i < 3; i++ {
		if err := a.Apply(ctx, outcome("n1", "a", notification.ResultSucceeded)); err != nil {
			t.Fatal(err)
		}
	}
	if rec := get(t, st, "n1"); rec.Succeeded != 1 {
		t.Fatalf("succeeded = %d, want 1", rec.Succeeded)
	}
}

func TestAllFailedMarksFailed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storagetest.SQLite(t)
	sending(t, st, "n1", 2, time.Now())
	a := New(st, Config{}, logx.Nop(), nil)
	_ = a.Apply(ctx, outcome("n1", "a", notification.ResultFailed))
	_ = a.Apply(ctx, outcome("n1", "b", notification.ResultFailed))
	if rec := get(t, st, "n1"); rec.Status != notification.StatusFailed {
		t.Fatalf("status = %s, want Failed", rec.Status)
	}
}

func TestCancelingCompletesAsCanceled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storagetest.SQLite(t)
	sending(t, st, "n1", 1, time.Now())
	rec := get(t, st, "n1")
	rec.Status = notification.StatusCanceling
	if _, err := st.UpdateNotification(ctx, rec); err != nil {
		t.Fatal(err)
	}
	a := New(st, Config{}, logx.Nop(), nil)
	_ = a.Apply(ctx, outcome("n1", "a", notification.ResultFailed))
	if rec := get(t, st, "n1"); rec.Status != notification.StatusCanceled {
		t.Fatalf("status = %s, want Canceled", rec.Status)
	}
}

// Scenario D: the deadline passes with recipients outstanding.
func TestForceCompleteThenLateSignals(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storagetest.SQLite(t)
	sending(t, st, "n1", 10, time.Now())
	a := New(st, Config{}, logx.Nop(), nil)
	for i := 0; i < 6; i++ {
		_ = a.Apply(ctx, outcome("n1", fmt.Sprint("r", i), notification.ResultSucceeded))
	}
	_ = a.Apply(ctx, outcome("n1", "r6", notification.ResultFailed))

	if err := a.Apply(ctx, notification.Signal{Kind: notification.SignalForceComplete, NotificationID: "n1"}); err != nil {
		t.Fatal(err)
	}
	rec := get(t, st, "n1")
	if rec.Status != notification.StatusSent || rec.Succeeded != 6 || rec.Failed != 1 || rec.Unknown != 3 {
		t.Fatalf("rec = %+v", rec)
	}
	_ = a.Apply(ctx, outcome("n1", "r7", notification.ResultSucceeded))
	if late := get(t, st, "n1"); late.Succeeded != 6 || late.Version != rec.Version {
		t.Fatalf("late signal changed a completed record: %+v", late)
	}
}

func TestForceCompleteCountsThrottledRecipients(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storagetest.SQLite(t)
	sending(t, st, "n1", 3, time.Now())
	rows := []notification.Recipient{{NotificationID: "n1", RecipientID: "a"}, {NotificationID: "n1", RecipientID: "b"}, {NotificationID: "n1", RecipientID: "c"}}
	if _, err := st.InsertRecipients(ctx, rows); err != nil {
		t.Fatal(err)
	}
	throttled := notification.Outcome{
		StatusCode: notification.StatusCodeFaultedRetrying, Code: 429,
		DeliveryStatus: notification.DeliveryRetrying, ThrottleIncrease: 1,
	}
	for _, id := range []string{"a", "b"} {
		if _, err := st.RecordOutcome(ctx, "n1", id, throttled, true); err != nil {
			t.Fatal(err)
		}
	}
	// b got through after its throttle.
	if _, err := st.RecordOutcome(ctx, "n1", "b", notification.Outcome{StatusCode: 201, Code: 201, DeliveryStatus: notification.DeliverySucceeded}, true); err != nil {
		t.Fatal(err)
	}
	a := New(st, Config{}, logx.Nop(), nil)
	_ = a.Apply(ctx, outcome("n1", "b", notification.ResultSucceeded))
	if err := a.Apply(ctx, notification.Signal{Kind: notification.SignalForceComplete, NotificationID: "n1"}); err != nil {
		t.Fatal(err)
	}
	rec := get(t, st, "n1")
	if rec.Status != notification.StatusSent || rec.Throttled != 1 || rec.Unknown != 2 || rec.Succeeded != 1 {
		t.Fatalf("rec = %+v", rec)
	}
}

func TestConcurrentSignalsConverge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storagetest.SQLite(t)
	const n = 40
	sending(t, st, "n1", n, time.Now())
	a := New(st, Config{MaxConflictRetries: 1000}, logx.Nop(), nil)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := notification.ResultSucceeded
			if i%4 == 0 {
				res = notification.ResultFailed
			}
			errs <- a.Apply(ctx, outcome("n1", fmt.Sprint("r", i), res))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}
	rec := get(t, st, "n1")
	if rec.Succeeded != 30 || rec.Failed != 10 || rec.Status != notification.StatusSent {
		t.Fatalf("rec = %+v", rec)
	}
	if rec.Succeeded+rec.Failed+rec.Unknown > rec.TotalRecipientCount {
		t.Fatal("coverage exceeded total")
	}
}

func TestSweepForcesExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storagetest.SQLite(t)
	sending(t, st, "old", 2, time.Now().Add(-2*time.Hour))
	sending(t, st, "new", 2, time.Now())
	a := New(st, Config{ForceCompleteAfter: time.Hour}, logx.Nop(), nil)

	if err := a.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if rec := get(t, st, "old"); rec.Status != notification.StatusSent || rec.Unknown != 2 {
		t.Fatalf("old = %+v", rec)
	}
	if rec := get(t, st, "new"); rec.Status != notification.StatusSending {
		t.Fatalf("new = %+v", rec)
	}
}

func TestHandlePoisonAndEarlySignal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storagetest.SQLite(t)
	a := New(st, Config{}, logx.Nop(), nil)
	if err := a.Handle(ctx, transport.Delivery{Message: transport.Message{Body: []byte("nope")}}); !errors.Is(err, transport.ErrPoison) {
		t.Fatalf("err = %v, want ErrPoison", err)
	}

	if _, err := st.CreateNotification(ctx, notification.Record{ID: "draft", Audience: notification.Audience{AllUsers: true}}); err != nil {
		t.Fatal(err)
	}
	if err := a.Apply(ctx, outcome("draft", "a", notification.ResultSucceeded)); !errors.Is(err, errNotSending) {
		t.Fatalf("err = %v, want errNotSending", err)
	}
}
