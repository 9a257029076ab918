package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "herald/pkg/logx"
)

type memLeases struct {
	mu   sync.Mutex
	rows map[string]memLease
	fail bool
}

type memLease struct {
	owner   string
	expires time.Time
}

func (m *memLeases) AcquireLease(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return false, errors.New("db down")
	}
	if m.rows == nil {
		m.rows = map[string]memLease{}
	}
	cur, ok := m.rows[key]
	if ok && cur.owner != owner && time.Now().Before(cur.expires) {
		return false, nil
	}
	m.rows[key] = memLease{owner: owner, expires: time.Now().Add(ttl)}
	return true, nil
}

func (m *memLeases) ReleaseLease(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.rows[key]; ok && cur.owner == owner {
		delete(m.rows, key)
	}
	return nil
}

func TestStoreLockerExclusive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	lk := NewStoreLocker(&memLeases{})

	a, err := lk.Acquire(ctx, "orch:n1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := lk.Acquire(ctx, "orch:n1", time.Minute); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("second acquire err = %v, want ErrNotAcquired", err)
	}
	if err := a.Refresh(ctx, time.Minute); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := a.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := lk.Acquire(ctx, "orch:n1", time.Minute); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestStoreLeaseLostAfterTakeover(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := &memLeases{}
	lk := NewStoreLocker(st)

	a, _ := lk.Acquire(ctx, "k", time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	if _, err := lk.Acquire(ctx, "k", time.Minute); err != nil {
		t.Fatalf("takeover of expired lease: %v", err)
	}
	if err := a.Refresh(ctx, time.Minute); !errors.Is(err, ErrLost) {
		t.Fatalf("refresh err = %v, want ErrLost", err)
	}
}

func TestKeepReportsLoss(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := &memLeases{}
	a, _ := NewStoreLocker(st).Acquire(ctx, "k", 300*time.Millisecond)

	st.mu.Lock()
	st.fail = true
	st.mu.Unlock()

	lost := make(chan error, 1)
	go Keep(ctx, a, 300*time.Millisecond, logx.Nop(), func(err error) { lost <- err })
	select {
	case err := <-lost:
		if err == nil {
			t.Fatal("lost called with nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Keep never reported the failed refresh")
	}
}
