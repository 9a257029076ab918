package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"herald/internal/notification"
	"herald/internal/notifier/throttle"
	"herald/internal/platform/platformtest"
	"herald/internal/storage"
	"herald/internal/storage/storagetest"
	"herald/internal/task/engine"
	logx "herald/pkg/logx"
)

func seed(t *testing.T, st storage.Store, rows ...notification.Recipient) string {
	t.Helper()
	ctx := context.Background()
	if _, err := st.CreateNotification(ctx, notification.Record{ID: "n1", Audience: notification.Audience{AllUsers: true}}); err != nil {
		t.Fatal(err)
	}
	for i := range rows {
		rows[i].NotificationID = "n1"
	}
	if _, err := st.InsertRecipients(ctx, rows); err != nil {
		t.Fatal(err)
	}
	keys, err := st.AssignBatches(ctx, "n1", 100)
	if err != nil || len(keys) != 1 {
		t.Fatalf("AssignBatches = %v, %v", keys, err)
	}
	return keys[0]
}

func fastConfig() Config {
	return Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

func TestEnsureBatchCreatesMissing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storagetest.SQLite(t)
	fake := platformtest.New()
	key := seed(t, st,
		notification.Recipient{RecipientID: "a"},
		notification.Recipient{RecipientID: "b", ConversationID: "existing"},
		notification.Recipient{RecipientID: "team", RecipientType: notification.RecipientTeam},
	)

	e := New(fake, st, fastConfig(), logx.Nop())
	if err := e.EnsureBatch(ctx, "n1", key); err != nil {
		t.Fatalf("EnsureBatch: %v", err)
	}
	a, _ := st.GetRecipient(ctx, "n1", "a")
	if a.ConversationID != "conv-a" {
		t.Fatalf("a = %+v", a)
	}
	if fake.CreateCount("b") != 0 {
		t.Fatal("recipient with a conversation was re-created")
	}
	team, _ := st.GetRecipient(ctx, "n1", "team")
	if team.ConversationID != "conv-team" {
		t.Fatalf("team = %+v", team)
	}

	// A second run is a no-op.
	if err := e.EnsureBatch(ctx, "n1", key); err != nil {
		t.Fatal(err)
	}
	if fake.CreateCount("a") != 1 {
		t.Fatalf("creates for a = %d, want 1", fake.CreateCount("a"))
	}
}

func TestEnsureBatchWaitsOutGlobalThrottle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storagetest.SQLite(t)
	fake := platformtest.New()
	key := seed(t, st, notification.Recipient{RecipientID: "a"})
	thr := throttle.NewStore(st, nil)
	if err := thr.ThrottleUntil(ctx, time.Now().Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	err := New(fake, st, fastConfig(), logx.Nop()).WithThrottle(thr).EnsureBatch(ctx, "n1", key)
	if !errors.Is(err, ErrThrottled) {
		t.Fatalf("err = %v, want ErrThrottled", err)
	}
	var hint engine.RetryAfterError
	if !errors.As(err, &hint) || hint.RetryAfter() < 50*time.Second {
		t.Fatalf("err = %v, want a retry-after hint near the window", err)
	}
	if fake.CreateCount("a") != 0 {
		t.Fatal("conversation created inside the throttle window")
	}
}

func TestEnsureBatchRetriesThrottle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storagetest.SQLite(t)
	fake := platformtest.New()
	fake.FailCreate("a", platformtest.Status(429, 0), platformtest.Status(429, 2*time.Millisecond))
	key := seed(t, st, notification.Recipient{RecipientID: "a"})

	if err := New(fake, st, fastConfig(), logx.Nop()).EnsureBatch(ctx, "n1", key); err != nil {
		t.Fatal(err)
	}
	a, _ := st.GetRecipient(ctx, "n1", "a")
	if a.ConversationID != "conv-a" || fake.CreateCount("a") != 3 {
		t.Fatalf("a = %+v after %d creates", a, fake.CreateCount("a"))
	}
}

func TestEnsureBatchThrottleExhausted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storagetest.SQLite(t)
	fake := platformtest.New()
	fake.FailCreate("a", platformtest.Status(429, 0), platformtest.Status(429, 0), platformtest.Status(429, 0))
	key := seed(t, st, notification.Recipient{RecipientID: "a"})

	if err := New(fake, st, fastConfig(), logx.Nop()).EnsureBatch(ctx, "n1", key); err != nil {
		t.Fatal(err)
	}
	a, _ := st.GetRecipient(ctx, "n1", "a")
	if !a.FaultedFinal() || a.DeliveryStatus != notification.DeliveryFailed || a.ErrorMessage == "" {
		t.Fatalf("a = %+v", a)
	}
}

func TestEnsureBatchPermanentFailureNoRetry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storagetest.SQLite(t)
	fake := platformtest.New()
	fake.FailCreate("a", platformtest.Status(403, 0))
	key := seed(t, st, notification.Recipient{RecipientID: "a"})

	if err := New(fake, st, fastConfig(), logx.Nop()).EnsureBatch(ctx, "n1", key); err != nil {
		t.Fatal(err)
	}
	if fake.CreateCount("a") != 1 {
		t.Fatalf("creates = %d, want 1", fake.CreateCount("a"))
	}
	a, _ := st.GetRecipient(ctx, "n1", "a")
	if !a.FaultedFinal() {
		t.Fatalf("a = %+v", a)
	}
}

func TestNextDelayBounds(t *testing.T) {
	t.Parallel()
	e := New(nil, nil, Config{BaseDelay: time.Second, MaxDelay: 10 * time.Second}, logx.Nop())
	prev := time.Second
	for i := 0; i < 50; i++ {
		d := e.nextDelay(prev)
		if d < time.Second || d > 10*time.Second {
			t.Fatalf("delay %s out of [1s, 10s]", d)
		}
		prev = d
	}
}
