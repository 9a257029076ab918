package storage

import (
	"errors"
	"time"

	"herald/internal/notification"
)

var (
	ErrDisabled      = errors.New("storage disabled")
	ErrBatchTooLarge = errors.New("storage: batch exceeds MaxBatchWrite")

	// Re-exported so callers can match store errors without importing the model.
	ErrNotFound        = notification.ErrNotFound
	ErrVersionConflict = notification.ErrVersionConflict
	ErrAlreadyConsumed = notification.ErrAlreadyConsumed
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": single-file database (default)
//   - "postgres": shared database for multi-process deployments
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
