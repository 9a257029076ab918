package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"herald/internal/directory"
	"herald/internal/lock"
	"herald/internal/notification"
	"herald/internal/notifier/conversation"
	"herald/internal/notifier/resolver"
	"herald/internal/platform/platformtest"
	"herald/internal/storage"
	"herald/internal/storage/storagetest"
	"herald/internal/transport"
	logx "herald/pkg/logx"
)

type published struct {
	Queue string
	Delay time.Duration
	Msg   transport.Message
}

// recordingPublisher records publishes; failDispatch fails that many
// dispatch publishes first.
type recordingPublisher struct {
	mu           sync.Mutex
	out          []published
	sizes        []int // messages per dispatch Publish call
	failDispatch int
}

func (p *recordingPublisher) Publish(_ context.Context, q string, msgs ...transport.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if q == transport.QueueDispatch && p.failDispatch > 0 {
		p.failDispatch--
		return errors.New("broker unavailable")
	}
	if q == transport.QueueDispatch {
		p.sizes = append(p.sizes, len(msgs))
	}
	for _, m := range msgs {
		p.out = append(p.out, published{Queue: q, Msg: m})
	}
	return nil
}

func (p *recordingPublisher) PublishAfter(_ context.Context, q string, d time.Duration, m transport.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = append(p.out, published{Queue: q, Delay: d, Msg: m})
	return nil
}

func (p *recordingPublisher) on(queue string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, x := range p.out {
		if x.Queue == queue {
			out = append(out, x)
		}
	}
	return out
}

type countingResolver struct {
	inner Resolver
	calls atomic.Int32
}

func (c *countingResolver) Resolve(ctx context.Context, rec notification.Record) (resolver.RecipientsInfo, error) {
	c.calls.Add(1)
	return c.inner.Resolve(ctx, rec)
}

type fixture struct {
	st   storage.Store
	dir  *directory.Memory
	fake *platformtest.Fake
	pub  *recordingPublisher
	res  *countingResolver
	o    *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithBatch(t, 10)
}

func newFixtureWithBatch(t *testing.T, resolveBatch int) *fixture {
	t.Helper()
	f := &fixture{
		st:   storagetest.SQLite(t),
		dir:  directory.NewMemory(),
		fake: platformtest.New(),
		pub:  &recordingPublisher{},
	}
	f.res = &countingResolver{inner: resolver.New(directory.NewStoreDirectory(f.dir, 50), f.st, resolver.Config{BatchSize: resolveBatch}, logx.Nop())}
	ens := conversation.New(f.fake, f.st, conversation.Config{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, logx.Nop())
	f.o = New(f.st, f.res, ens, f.pub, lock.NewStoreLocker(f.st), Config{
		StepRetryBase:     time.Millisecond,
		StepRetryMaxDelay: 5 * time.Millisecond,
		LeaseTTL:          time.Minute,
	}, logx.Nop(), nil)
	return f
}

func (f *fixture) users(t *testing.T, n int, withConversation bool) {
	t.Helper()
	for i := 0; i < n; i++ {
		m := directory.Member{ID: fmt.Sprintf("u%02d", i), HasApp: true}
		if withConversation {
			m.ConversationID = "c-" + m.ID
		}
		if err := f.dir.UpsertUser(context.Background(), m); err != nil {
			t.Fatal(err)
		}
	}
}

func (f *fixture) create(t *testing.T, id string, a notification.Audience) {
	t.Helper()
	if _, err := f.st.CreateNotification(context.Background(), notification.Record{ID: id, Title: "Hi", Content: "there", Audience: a}); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) get(t *testing.T, id string) notification.Record {
	t.Helper()
	rec, err := f.st.GetNotification(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestRunRechunksLargeBatches(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixtureWithBatch(t, 250)
	f.users(t, 250, true)
	f.create(t, "n1", notification.Audience{AllUsers: true})

	if err := f.o.Run(ctx, "n1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rows, err := f.st.ListBatch(ctx, "n1", storage.BatchKey("n1", 0)); err != nil || len(rows) != 250 {
		t.Fatalf("resolve batch holds %d rows, %v; want all 250", len(rows), err)
	}
	f.pub.mu.Lock()
	sizes := append([]int(nil), f.pub.sizes...)
	f.pub.mu.Unlock()
	if len(sizes) != 3 {
		t.Fatalf("dispatch publishes = %v, want 3", sizes)
	}
	for _, n := range sizes {
		if n > transport.MaxBatch {
			t.Fatalf("publish of %d messages exceeds %d", n, transport.MaxBatch)
		}
	}
	seen := map[string]bool{}
	for _, p := range f.pub.on(transport.QueueDispatch) {
		m, err := notification.DecodeDispatch(p.Msg.Body)
		if err != nil {
			t.Fatal(err)
		}
		seen[m.RecipientID] = true
	}
	for i := 0; i < 250; i++ {
		if id := fmt.Sprintf("u%02d", i); !seen[id] {
			t.Fatalf("recipient %s never dispatched", id)
		}
	}
	if rec := f.get(t, "n1"); rec.TotalRecipientCount != 250 {
		t.Fatalf("total = %d", rec.TotalRecipientCount)
	}
}

func TestRunDispatchesEveryRecipient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.users(t, 25, true)
	f.create(t, "n1", notification.Audience{AllUsers: true})

	if err := f.o.Run(ctx, "n1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	rec := f.get(t, "n1")
	if rec.Status != notification.StatusSending || rec.TotalRecipientCount != 25 || rec.SendingStartedAt == nil {
		t.Fatalf("record = %+v", rec)
	}
	seen := map[string]bool{}
	for _, p := range f.pub.on(transport.QueueDispatch) {
		m, err := notification.DecodeDispatch(p.Msg.Body)
		if err != nil {
			t.Fatal(err)
		}
		if seen[m.RecipientID] {
			t.Fatalf("recipient %s dispatched twice", m.RecipientID)
		}
		seen[m.RecipientID] = true
	}
	if len(seen) != 25 {
		t.Fatalf("dispatched %d recipients, want 25", len(seen))
	}
	fc := f.pub.on(transport.QueueAggregate)
	if len(fc) != 1 || fc[0].Delay <= 23*time.Hour {
		t.Fatalf("force complete = %+v", fc)
	}
	if s, _ := notification.DecodeSignal(fc[0].Msg.Body); s.Kind != notification.SignalForceComplete {
		t.Fatalf("signal = %+v", s)
	}
	snap, err := f.st.GetSnapshot(ctx, "n1")
	if err != nil || snap.Text() != "Hi\n\nthere" {
		t.Fatalf("snapshot = %+v, %v", snap, err)
	}
	p, err := f.o.Progress(ctx, "n1")
	if err != nil || !p.Finished || p.Stage != StageCompleting {
		t.Fatalf("progress = %+v, %v", p, err)
	}
}

func TestRunReplaysFinishedSteps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.users(t, 12, true)
	f.create(t, "n1", notification.Audience{AllUsers: true})
	if err := f.o.Run(ctx, "n1"); err != nil {
		t.Fatal(err)
	}
	before := len(f.pub.on(transport.QueueDispatch))

	// Reopen the checkpoint as if the process died before marking it finished.
	st, err := f.st.GetOrchestration(ctx, "n1")
	if err != nil {
		t.Fatal(err)
	}
	st.Finished = false
	if err := f.st.SaveOrchestration(ctx, st); err != nil {
		t.Fatal(err)
	}
	if err := f.o.Run(ctx, "n1"); err != nil {
		t.Fatal(err)
	}
	if got := f.res.calls.Load(); got != 1 {
		t.Fatalf("resolver called %d times", got)
	}
	if got := len(f.pub.on(transport.QueueDispatch)); got != before {
		t.Fatalf("dispatches = %d after replay, want %d", got, before)
	}
	// A finished run is a no-op.
	if err := f.o.Run(ctx, "n1"); err != nil {
		t.Fatal(err)
	}
	if got := f.res.calls.Load(); got != 1 {
		t.Fatalf("resolver called %d times", got)
	}
}

func TestRunRetriesFailedStep(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.pub.failDispatch = 2
	f.users(t, 3, true)
	f.create(t, "n1", notification.Audience{AllUsers: true})
	if err := f.o.Run(context.Background(), "n1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := len(f.pub.on(transport.QueueDispatch)); got != 3 {
		t.Fatalf("dispatches = %d", got)
	}
	step, err := f.st.GetStep(context.Background(), "n1", "dispatch:"+storage.BatchKey("n1", 0))
	if err != nil || step.Status != storage.StepDone || step.Attempts != 3 {
		t.Fatalf("step = %+v, %v", step, err)
	}
}

func TestRunExhaustedStepFailsNotification(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.pub.failDispatch = 100
	f.users(t, 3, true)
	f.create(t, "n1", notification.Audience{AllUsers: true})
	if err := f.o.Run(context.Background(), "n1"); err == nil {
		t.Fatal("Run succeeded with a dead broker")
	}
	rec := f.get(t, "n1")
	if rec.Status != notification.StatusFailed || rec.ErrorMessage == "" || rec.CompletedAt == nil {
		t.Fatalf("record = %+v", rec)
	}
	p, _ := f.o.Progress(context.Background(), "n1")
	if !p.Finished || p.Stage != StageFailed {
		t.Fatalf("progress = %+v", p)
	}
}

func TestRunInvalidAudienceFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.create(t, "n1", notification.Audience{AllUsers: true, GroupIDs: []string{"g"}})
	if err := f.o.Run(context.Background(), "n1"); !errors.Is(err, notification.ErrInvalidAudience) {
		t.Fatalf("err = %v", err)
	}
	if rec := f.get(t, "n1"); rec.Status != notification.StatusFailed {
		t.Fatalf("status = %s", rec.Status)
	}
}

func TestRunCreatesMissingConversations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.users(t, 4, false)
	f.fake.FailCreate("u01", platformtest.Status(403, 0))
	f.create(t, "n1", notification.Audience{AllUsers: true})
	if err := f.o.Run(ctx, "n1"); err != nil {
		t.Fatal(err)
	}
	if f.fake.CreateCount("u00") != 1 {
		t.Fatalf("creates = %d", f.fake.CreateCount("u00"))
	}
	r, _ := f.st.GetRecipient(ctx, "n1", "u00")
	if r.ConversationID != "conv-u00" {
		t.Fatalf("row = %+v", r)
	}
	failed, _ := f.st.GetRecipient(ctx, "n1", "u01")
	if !failed.FaultedFinal() {
		t.Fatalf("row = %+v", failed)
	}
	// u01 is closed out by a re-emitted signal, not a dispatch.
	if got := len(f.pub.on(transport.QueueDispatch)); got != 3 {
		t.Fatalf("dispatches = %d", got)
	}
	var reemitted []notification.Signal
	for _, p := range f.pub.on(transport.QueueAggregate) {
		s, _ := notification.DecodeSignal(p.Msg.Body)
		if s.Kind == notification.SignalOutcome {
			reemitted = append(reemitted, s)
		}
	}
	if len(reemitted) != 1 || reemitted[0].RecipientID != "u01" || reemitted[0].Result != notification.ResultFailed {
		t.Fatalf("signals = %+v", reemitted)
	}
}

func TestRunEmptyAudienceIsSent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.create(t, "n1", notification.Audience{GroupIDs: []string{"empty"}})
	if err := f.o.Run(context.Background(), "n1"); err != nil {
		t.Fatal(err)
	}
	rec := f.get(t, "n1")
	if rec.Status != notification.StatusSent || rec.CompletedAt == nil {
		t.Fatalf("record = %+v", rec)
	}
	if len(f.pub.on(transport.QueueAggregate)) != 0 {
		t.Fatal("force complete scheduled for an empty notification")
	}
}

func TestRunHeldLeaseIsBusy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "n1", notification.Audience{AllUsers: true})
	other := lock.NewStoreLocker(f.st)
	lease, err := other.Acquire(ctx, "orchestration:n1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lease.Release(ctx) }()
	if err := f.o.Run(ctx, "n1"); !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v", err)
	}
}

func TestCancelDraft(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.users(t, 2, true)
	f.create(t, "n1", notification.Audience{AllUsers: true})
	rec, err := f.o.Cancel(ctx, "n1")
	if err != nil || rec.Status != notification.StatusCanceled {
		t.Fatalf("Cancel = %+v, %v", rec, err)
	}
	if err := f.o.Run(ctx, "n1"); err != nil {
		t.Fatal(err)
	}
	if len(f.pub.on(transport.QueueDispatch)) != 0 {
		t.Fatal("canceled draft was dispatched")
	}
	if _, err := f.o.Cancel(ctx, "n1"); !errors.Is(err, notification.ErrIllegalStatus) {
		t.Fatalf("second cancel err = %v", err)
	}
}

func TestCancelBeforeSendingStopsRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.users(t, 2, true)
	f.create(t, "n1", notification.Audience{AllUsers: true})
	rec := f.get(t, "n1")
	rec.Status = notification.StatusSyncingRecipients
	if _, err := f.st.UpdateNotification(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if rec, err := f.o.Cancel(ctx, "n1"); err != nil || rec.Status != notification.StatusCanceling {
		t.Fatalf("Cancel = %+v, %v", rec, err)
	}
	if err := f.o.Run(ctx, "n1"); err != nil {
		t.Fatal(err)
	}
	if got := f.get(t, "n1").Status; got != notification.StatusCanceled {
		t.Fatalf("status = %s", got)
	}
	if len(f.pub.on(transport.QueueDispatch)) != 0 {
		t.Fatal("canceled notification was dispatched")
	}
}

func TestForceCompleteRequiresSending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.users(t, 1, true)
	f.create(t, "n1", notification.Audience{AllUsers: true})
	if err := f.o.ForceComplete(ctx, "n1"); !errors.Is(err, notification.ErrIllegalStatus) {
		t.Fatalf("err = %v", err)
	}
	if err := f.o.Run(ctx, "n1"); err != nil {
		t.Fatal(err)
	}
	if err := f.o.ForceComplete(ctx, "n1"); err != nil {
		t.Fatal(err)
	}
	var immediate int
	for _, p := range f.pub.on(transport.QueueAggregate) {
		if p.Delay == 0 {
			immediate++
		}
	}
	if immediate != 1 {
		t.Fatalf("immediate force-complete signals = %d", immediate)
	}
}
