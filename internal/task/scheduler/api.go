package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"studyagent/internal/task/engine"
	logx "studyagent/pkg/logx"
)

// AddIntervalAfter registers (or replaces, by name) a task that fires every
// `every`. The first trigger happens `delay` after registration; delay <= 0
// fires as soon as the schedule is armed. Overlapping fires are skipped.
func (s *Service) AddIntervalAfter(name string, every, delay, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	return s.AddIntervalAfterOpt(name, every, delay, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

// AddIntervalAfterOpt is AddIntervalAfter with task options.
func (s *Service) AddIntervalAfterOpt(name string, every, delay, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("name required")
	}
	if every <= 0 {
		return "", fmt.Errorf("schedule %q: interval must be positive, got %s", name, every)
	}
	if job == nil {
		return "", fmt.Errorf("schedule %q: job is nil", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Upsert by name so repeated registrations never duplicate a trigger.
	_ = s.removeScheduleLocked(name)

	now := time.Now()
	d := scheduleDef{
		id:      fmt.Sprintf("interval:%d", now.UnixNano()),
		name:    name,
		every:   every,
		timeout: timeout,
		job:     job,
		opt:     opt,
		state:   s.stateLocked(name),
	}
	if delay > 0 {
		d.firstAt = now.Add(delay)
	}
	s.defs = append(s.defs, d)
	if s.c == nil {
		// Armed when Start runs.
		return name, nil
	}
	s.addCronLocked(&s.defs[len(s.defs)-1])
	s.log.Debug("schedule registered",
		logx.String("name", name),
		logx.Duration("every", every),
		logx.Duration("delay", delay),
		logx.Duration("timeout", timeout),
	)
	return name, nil
}

// Remove unschedules all schedules with the given name. It returns true if
// something was removed. Runs already handed to the executor are not affected.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	removed := s.removeScheduleLocked(name)
	s.mu.Unlock()

	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// Next returns the next trigger time of the named schedule. ok is false when
// the schedule is unknown or cron is not running.
func (s *Service) Next(name string) (next time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}, false
	}
	for _, d := range s.defs {
		if d.name != name || d.entryID == 0 {
			continue
		}
		e := s.c.Entry(d.entryID)
		if e.Next.IsZero() {
			return time.Time{}, false
		}
		return e.Next, true
	}
	return time.Time{}, false
}

// stateLocked returns the overlap state for name, creating it on first use.
// Call with s.mu held.
func (s *Service) stateLocked(name string) *engine.RunState {
	st, ok := s.states[name]
	if !ok {
		st = &engine.RunState{}
		s.states[name] = st
	}
	return st
}

// removeScheduleLocked removes all defs matching name and unregisters them
// from cron if running. Call with s.mu held.
func (s *Service) removeScheduleLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	for i := n; i < len(s.defs); i++ {
		s.defs[i] = scheduleDef{}
	}
	s.defs = s.defs[:n]
	return removed
}
