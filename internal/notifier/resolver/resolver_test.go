package resolver

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"herald/internal/directory"
	"herald/internal/notification"
	"herald/internal/storage"
	"herald/internal/storage/storagetest"
	logx "herald/pkg/logx"
)

func seedUsers(t *testing.T, mem *directory.Memory, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_ = mem.UpsertUser(context.Background(), directory.Member{
			ID: fmt.Sprintf("u%03d", i), HasApp: true, ConversationID: fmt.Sprintf("c%03d", i),
		})
	}
}

func newRecord(t *testing.T, st storage.Store, id string, a notification.Audience) notification.Record {
	t.Helper()
	rec, err := st.CreateNotification(context.Background(), notification.Record{ID: id, Title: "t", Audience: a})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return rec
}

func TestResolveAllUsersPagesAndBatches(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storagetest.SQLite(t)
	mem := directory.NewMemory()
	seedUsers(t, mem, 250)

	r := New(directory.NewStoreDirectory(mem, 40), st, Config{BatchSize: 100}, logx.Nop())
	rec := newRecord(t, st, "n1", notification.Audience{AllUsers: true})
	info, err := r.Resolve(ctx, rec)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if info.TotalCount != 250 || len(info.BatchKeys) != 3 {
		t.Fatalf("info = %+v", info)
	}
	if info.NeedsConversation {
		t.Fatal("all users had conversations")
	}
	last, _ := st.ListBatch(ctx, "n1", info.BatchKeys[2])
	if len(last) != 50 {
		t.Fatalf("last batch = %d rows, want 50", len(last))
	}
}

func TestResolveGroupsDedupAndNoApp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storagetest.SQLite(t)
	mem := directory.NewMemory()
	_ = mem.UpsertUser(ctx, directory.Member{ID: "a", HasApp: true})
	_ = mem.UpsertUser(ctx, directory.Member{ID: "b", HasApp: true, Guest: true, ConversationID: "cb"})
	_ = mem.UpsertUser(ctx, directory.Member{ID: "c"})
	_ = mem.ReplaceMembers(ctx, directory.KindGroup, "g1", []string{"a", "b"})
	_ = mem.ReplaceMembers(ctx, directory.KindGroup, "g2", []string{"b", "c"})

	r := New(directory.NewStoreDirectory(mem, 1), st, Config{}, logx.Nop())
	rec := newRecord(t, st, "n2", notification.Audience{GroupIDs: []string{"g1", "g2"}})
	info, err := r.Resolve(ctx, rec)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if info.TotalCount != 3 {
		t.Fatalf("total = %d, want 3 (b listed twice)", info.TotalCount)
	}
	if !info.NeedsConversation {
		t.Fatal("a has no conversation yet")
	}
	c, _ := st.GetRecipient(ctx, "n2", "c")
	if !c.FaultedFinal() || c.DeliveryStatus != notification.DeliveryFailed {
		t.Fatalf("member without app = %+v", c)
	}
	b, _ := st.GetRecipient(ctx, "n2", "b")
	if b.UserType != notification.UserGuest {
		t.Fatalf("guest flag lost: %+v", b)
	}
}

func TestResolveReplayKeepsSentRows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storagetest.SQLite(t)
	mem := directory.NewMemory()
	seedUsers(t, mem, 5)
	r := New(directory.NewStoreDirectory(mem, 0), st, Config{}, logx.Nop())
	rec := newRecord(t, st, "n3", notification.Audience{AllUsers: true})

	if _, err := r.Resolve(ctx, rec); err != nil {
		t.Fatal(err)
	}
	_, _ = st.RecordOutcome(ctx, "n3", "u001", notification.Outcome{
		StatusCode: 201, Code: 201, DeliveryStatus: notification.DeliverySucceeded,
	}, true)

	info, err := r.Resolve(ctx, rec)
	if err != nil {
		t.Fatal(err)
	}
	if info.TotalCount != 5 {
		t.Fatalf("total = %d", info.TotalCount)
	}
	got, _ := st.GetRecipient(ctx, "n3", "u001")
	if got.DeliveryStatus != notification.DeliverySucceeded {
		t.Fatalf("replay reset a sent row: %+v", got)
	}
}

func TestResolveTeams(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storagetest.SQLite(t)
	mem := directory.NewMemory()
	_ = mem.UpsertTeam(ctx, directory.Team{ID: "t1", ConversationID: "-100"})

	r := New(directory.NewStoreDirectory(mem, 0), st, Config{}, logx.Nop())
	rec := newRecord(t, st, "n4", notification.Audience{TeamIDs: []string{"t1", "t1", "missing"}})
	info, err := r.Resolve(ctx, rec)
	if err != nil {
		t.Fatal(err)
	}
	if info.TotalCount != 2 || info.NeedsConversation {
		t.Fatalf("info = %+v", info)
	}
	t1, _ := st.GetRecipient(ctx, "n4", "t1")
	if t1.RecipientType != notification.RecipientTeam || t1.ConversationID != "-100" {
		t.Fatalf("team row = %+v", t1)
	}
	missing, _ := st.GetRecipient(ctx, "n4", "missing")
	if !missing.FaultedFinal() {
		t.Fatalf("unknown team = %+v", missing)
	}
}

type failingDir struct{ directory.Directory }

func (failingDir) AllUsers(context.Context, string) (directory.Page, error) {
	return directory.Page{}, errors.New("directory unavailable")
}

func TestResolvePageFailureSurfaces(t *testing.T) {
	t.Parallel()
	st := storagetest.SQLite(t)
	r := New(failingDir{}, st, Config{}, logx.Nop())
	rec := newRecord(t, st, "n5", notification.Audience{AllUsers: true})
	if _, err := r.Resolve(context.Background(), rec); err == nil {
		t.Fatal("expected directory error")
	}
}

func TestResolveRejectsMixedAudience(t *testing.T) {
	t.Parallel()
	r := New(failingDir{}, nil, Config{}, logx.Nop())
	_, err := r.Resolve(context.Background(), notification.Record{ID: "x", Audience: notification.Audience{AllUsers: true, TeamIDs: []string{"t"}}})
	if !errors.Is(err, notification.ErrInvalidAudience) {
		t.Fatalf("err = %v", err)
	}
}
