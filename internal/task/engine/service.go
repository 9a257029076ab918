// Package engine is the in-process worker pool: bounded queue, retries with
// backoff, delayed tasks, overlap gating and a per-name circuit breaker.
//
// The memory transport and the sweep scheduler both run on it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"herald/internal/eventbus"
	rtsup "herald/internal/runtime/supervisor"
	logx "herald/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex
	q       chan queuedTask
	sup     *rtsup.Supervisor
	stopCh  chan struct{}
	stopped bool

	timersMu sync.Mutex
	timers   map[uint64]*time.Timer
	timerSeq uint64

	inFlight atomic.Int32

	stateMu sync.Mutex
	states  map[string]*RunState

	circuits circuitStore

	hmu     sync.Mutex
	history []HistoryItem

	idSeq atomic.Uint64

	dropped          atomic.Uint64
	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64

	lastQueueFullWarnAt atomic.Int64
	lastStaleWarnAt     atomic.Int64
}

type queuedTask struct {
	task Task

	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions

	state *RunState
	track bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 3
	}
	cfg.RetryMax = max(cfg.RetryMax, 0)
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if cfg.CircuitTripFailures == 0 {
		cfg.CircuitTripFailures = 5
	}
	if cfg.CircuitBaseDelay <= 0 {
		cfg.CircuitBaseDelay = 5 * time.Second
	}
	if cfg.CircuitMaxDelay <= 0 {
		cfg.CircuitMaxDelay = 2 * time.Minute
	}
	if cfg.CircuitResetAfter <= 0 {
		cfg.CircuitResetAfter = 5 * time.Minute
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.Component("engine")),
		bus:    bus,
		states: make(map[string]*RunState),
		timers: make(map[uint64]*time.Timer),
	}
}

// Supervisor returns the worker supervisor (nil before Start).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start launches the workers. It is a no-op when already started; an engine
// cannot be restarted after Stop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.q != nil || s.stopped {
		s.mu.Unlock()
		return
	}
	s.q = make(chan queuedTask, s.cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	queue, stopCh, sup := s.q, s.stopCh, s.sup
	s.mu.Unlock()

	for i := 0; i < s.cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue, idx)
			select {
			case <-stopCh:
				return nil
			default:
			}
			if c.Err() != nil {
				return nil
			}
			return errors.New("worker exited unexpectedly")
		})
	}
	s.log.Info("task engine started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", cap(queue)))
}

// Stop cancels pending delayed tasks, stops the workers and waits for them
// until ctx expires. Tasks still queued are discarded.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	sup := s.sup
	if s.stopCh != nil {
		close(s.stopCh)
	}
	s.mu.Unlock()

	s.timersMu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.timersMu.Unlock()

	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("task engine stop timed out", logx.Err(err))
		return
	}
	s.log.Info("task engine stopped")
}

// Enqueue adds a task without blocking; a full queue drops it with ErrQueueFull.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit blocks until the task is accepted, ctx ends or the engine stops.
// A task with a future NotBefore is held on a timer and returns immediately.
func (s *Service) Submit(ctx context.Context, t Task) error {
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = s.newTaskID(now)
	}

	s.mu.Lock()
	q, stopCh, stopped := s.q, s.stopCh, s.stopped
	s.mu.Unlock()
	if q == nil || stopped {
		return ErrStopped
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	opt := t.Opt.withDefaults(s.cfg)

	if open, until := s.circuitIsOpen(now, t.Name, opt); open {
		s.log.Debug("task skipped: circuit open", logx.String("task", t.Name), logx.Time("until", until))
		s.record(HistoryItem{ID: t.ID, Name: t.Name, Started: now, Error: "circuit_open"})
		return ErrCircuitOpen
	}

	st := s.stateFor(t.Key, t.Name)
	track := opt.Overlap == OverlapSkipIfRunning
	if track && !st.tryAcquire() {
		s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("id", t.ID))
		return ErrOverlapSkip
	}
	qt := queuedTask{task: t, timeout: timeout, opt: opt, state: st, track: track}

	if wait := time.Until(t.NotBefore); wait > 0 {
		s.hold(qt, wait, stopCh)
		return nil
	}
	return s.push(ctx, q, stopCh, qt, block)
}

func (s *Service) push(ctx context.Context, q chan queuedTask, stopCh <-chan struct{}, qt queuedTask, block bool) error {
	qt.enqueuedAt = time.Now()
	if !block {
		select {
		case q <- qt:
			return nil
		default:
			qt.releaseState()
			s.onQueueFullDropped(qt.enqueuedAt, qt.task, q)
			return ErrQueueFull
		}
	}
	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		qt.releaseState()
		return ctx.Err()
	case <-stopCh:
		qt.releaseState()
		return ErrStopped
	}
}

// hold parks a delayed task until its NotBefore. When the timer fires the task
// is pushed with backpressure, bounded only by engine shutdown.
func (s *Service) hold(qt queuedTask, wait time.Duration, stopCh chan struct{}) {
	s.timersMu.Lock()
	s.timerSeq++
	id := s.timerSeq
	s.timers[id] = time.AfterFunc(wait, func() {
		s.timersMu.Lock()
		delete(s.timers, id)
		s.timersMu.Unlock()

		s.mu.Lock()
		q := s.q
		s.mu.Unlock()
		if err := s.push(context.Background(), q, stopCh, qt, true); err != nil {
			s.log.Debug("delayed task not queued", logx.String("task", qt.task.Name), logx.Err(err))
		}
	})
	s.timersMu.Unlock()
}

func (qt queuedTask) releaseState() {
	if qt.track && qt.state != nil {
		qt.state.release()
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	q := s.q
	s.mu.Unlock()

	snap := Snapshot{
		Workers:          s.cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		Dropped:          s.dropped.Load(),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	s.timersMu.Lock()
	snap.Delayed = len(s.timers)
	s.timersMu.Unlock()

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()

	snap.CircuitTotal, snap.CircuitOpen = s.circuitSnapshot(time.Now())
	return snap
}

func (s *Service) record(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) stateFor(key, name string) *RunState {
	k := strings.TrimSpace(key)
	if k == "" {
		k = name
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[k]
	if st == nil {
		st = &RunState{}
		s.states[k] = st
	}
	return st
}

func (s *Service) newTaskID(now time.Time) string {
	return fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
}

func shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && n-prev < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}

func (s *Service) onQueueFullDropped(now time.Time, t Task, q chan queuedTask) {
	s.dropped.Add(1)
	s.droppedQueueFull.Add(1)
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskDropped, Time: now, Data: eventbus.TaskEvent{ID: t.ID, Name: t.Name, Error: "queue_full"}})
	if shouldWarn(&s.lastQueueFullWarnAt, now) {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", s.droppedQueueFull.Load()),
		)
	}
}

func (s *Service) onStaleDropped(now time.Time, t Task, queueDelay time.Duration) {
	s.dropped.Add(1)
	s.droppedStale.Add(1)
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskDropped, Time: now, Data: eventbus.TaskEvent{ID: t.ID, Name: t.Name, Error: "stale_queue_delay"}})
	if shouldWarn(&s.lastStaleWarnAt, now) {
		s.log.Warn("task dropped: stale queue",
			logx.String("task", t.Name),
			logx.Duration("queue_delay", queueDelay),
			logx.Uint64("dropped_stale", s.droppedStale.Load()),
		)
	}
}
