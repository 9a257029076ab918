package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LeaseStore is the storage surface backing StoreLocker.
type LeaseStore interface {
	AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, owner string) error
}

// StoreLocker keeps leases in the shared database.
type StoreLocker struct {
	st LeaseStore
}

func NewStoreLocker(st LeaseStore) *StoreLocker { return &StoreLocker{st: st} }

func (s *StoreLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	owner := uuid.NewString()
	ok, err := s.st.AcquireLease(ctx, key, owner, ttl)
	if err != nil {
		return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &storeLease{st: s.st, key: key, owner: owner}, nil
}

type storeLease struct {
	st    LeaseStore
	key   string
	owner string
}

func (l *storeLease) Key() string { return l.key }

func (l *storeLease) Refresh(ctx context.Context, ttl time.Duration) error {
	ok, err := l.st.AcquireLease(ctx, l.key, l.owner, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLost
	}
	return nil
}

func (l *storeLease) Release(ctx context.Context) error {
	return l.st.ReleaseLease(ctx, l.key, l.owner)
}
