package engine

import (
	"sync"
	"time"
)

// circuitState tracks consecutive failures for one task name. After trip
// failures the name is refused for an exponentially growing cooldown; a
// success closes it again.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*circuitState
}

// getLocked requires s.mu.
func (s *circuitStore) getLocked(key string) *circuitState {
	if s.m == nil {
		s.m = make(map[string]*circuitState)
	}
	st := s.m[key]
	if st == nil {
		st = &circuitState{}
		s.m[key] = st
	}
	return st
}

func (s *Service) circuitTrip(opt TaskOptions) int {
	if s.cfg.CircuitTripFailures < 0 || opt.CircuitTripFailures < 0 {
		return 0
	}
	if opt.CircuitTripFailures > 0 {
		return opt.CircuitTripFailures
	}
	return s.cfg.CircuitTripFailures
}

func (s *Service) resetIfStale(st *circuitState, now time.Time) {
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > s.cfg.CircuitResetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
}

func (s *Service) circuitIsOpen(now time.Time, name string, opt TaskOptions) (bool, time.Time) {
	if s.circuitTrip(opt) == 0 {
		return false, time.Time{}
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	st := s.circuits.getLocked(name)
	s.resetIfStale(st, now)
	if now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (s *Service) circuitRecordResult(now time.Time, name string, opt TaskOptions, err error) {
	trip := s.circuitTrip(opt)
	if trip == 0 {
		return
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	st := s.circuits.getLocked(name)
	s.resetIfStale(st, now)

	if err == nil {
		*st = circuitState{}
		return
	}
	st.fails++
	st.lastFailure = now
	if st.fails < trip {
		return
	}
	d := s.cfg.CircuitBaseDelay
	for i := trip; i < st.fails && d < s.cfg.CircuitMaxDelay; i++ {
		d *= 2
	}
	st.openUntil = now.Add(min(d, s.cfg.CircuitMaxDelay))
}

func (s *Service) circuitSnapshot(now time.Time) (total, open int) {
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	total = len(s.circuits.m)
	for _, st := range s.circuits.m {
		if now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
