package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"herald/internal/task/engine"
	logx "herald/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// AddSchedule registers job under name, replacing any schedule with the same
// name. Runs skip while a previous run of the same name is queued or running.
//
// Accepted schedules: cron ("*/5 * * * *", "@hourly", "@every 1m"), Go
// durations ("30s", "2h30m") and HH:MM intervals ("00:05").
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) error {
	return s.AddScheduleOpt(name, schedule, timeout, engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning}, job)
}

func (s *Service) AddScheduleOpt(name, schedule string, timeout time.Duration, opt engine.TaskOptions, job func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	spec := ps.Cron
	if ps.Kind == SpecInterval {
		spec = "@every " + ps.Every.String()
	} else if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("schedule %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.defs = append(s.defs, scheduleDef{name: name, spec: spec, timeout: timeout, job: job, opt: opt})
	if s.c == nil {
		return nil
	}
	d := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(d); err != nil {
		return err
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", spec), logx.Duration("spread", d.spread))
	return nil
}

// Remove unschedules name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			continue
		}
		s.defs[n] = d
		n++
	}
	removed := n < len(s.defs)
	s.defs = s.defs[:n]
	return removed
}

// addCronLocked requires s.mu and a running cron.
func (s *Service) addCronLocked(d *scheduleDef) error {
	name, timeout, opt, run := d.name, d.timeout, d.opt, d.job
	job := cron.FuncJob(func() {
		err := s.engine.Enqueue(engine.Task{Name: name, Timeout: timeout, Run: run, Opt: opt})
		if err != nil {
			s.reportEnqueueError(name, err)
		}
	})

	if every, ok := strings.CutPrefix(d.spec, "@every "); ok {
		if dur, err := time.ParseDuration(every); err == nil && dur > 0 {
			sched, spread := intervalWithSpread(dur, time.Now().In(s.loc), d.name)
			d.spread = spread
			d.entryID = s.c.Schedule(sched, job)
			return nil
		}
	}
	eid, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return err
	}
	d.entryID = eid
	return nil
}

func (s *Service) reportEnqueueError(name string, err error) {
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", name), logx.Err(err))
		return
	}
	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()
	s.log.Warn("schedule failed to enqueue task", logx.String("schedule", name), logx.Err(err))
}
