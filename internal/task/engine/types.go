package engine

import (
	"context"
	"sync"
	"time"
)

// Config sizes the engine. The app maps config.engine into it.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout applies when Task.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks queued longer than this; 0 disables.
	MaxQueueDelay time.Duration

	HistorySize int
	RetryMax    int

	// Circuit breaker (consecutive failures per task name). < 0 disables;
	// 0 applies the default.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	// OverlapSkipIfRunning skips a task whose key is queued or running.
	OverlapSkipIfRunning
)

type TaskOptions struct {
	Overlap OverlapPolicy
	// RetryMax: 0 uses the engine default, < 0 disables retries.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// CircuitTripFailures overrides the engine threshold; < 0 disables.
	CircuitTripFailures int
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	switch {
	case o.RetryMax < 0:
		o.RetryMax = 0
	case o.RetryMax == 0:
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	return o
}

// RunState gates overlap for one key: queued or running counts as busy.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

// Task is a unit of work executed by the engine.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     TaskOptions

	// Key scopes the overlap policy; defaults to Name.
	Key string

	// NotBefore delays execution; the zero value runs as soon as a worker is free.
	NotBefore time.Time
}

type HistoryItem struct {
	ID         string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Attempts   int
	Error      string
}

// Snapshot is a diagnostics view.
type Snapshot struct {
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int
	Delayed  int

	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64

	CircuitTotal int
	CircuitOpen  int

	History []HistoryItem
}
