package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"studyagent/internal/task/engine"
	logx "studyagent/pkg/logx"
)

func New(cfg Config, exec Executor, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:         cfg,
		log:         log,
		exec:        exec,
		states:      map[string]*engine.RunState{},
		lastEnqWarn: map[string]time.Time{},
	}
}

// Apply swaps the config. A timezone change restarts cron and re-registers
// every definition.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg

	if s.c == nil {
		return
	}
	if oldTZ != newTZ {
		s.restartLocked()
	}
}

// Running reports whether cron triggering is active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

// Start starts cron triggering and arms every registered definition.
// Execution happens in the Executor.
func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithLocation(loc))
	for i := range s.defs {
		s.addCronLocked(&s.defs[i])
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop stops cron triggering. Definitions are kept so a later Start re-arms
// them; tasks already handed to the Executor are not waited for.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	for i := range s.defs {
		s.defs[i].entryID = 0
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// addCronLocked arms d in the running cron. Call with s.mu held.
func (s *Service) addCronLocked(d *scheduleDef) {
	name, timeout, run, opt, state := d.name, d.timeout, d.job, d.opt, d.state
	fire := func() {
		if s.exec == nil {
			return
		}
		err := s.exec.Enqueue(engine.Task{
			Name:    name,
			Timeout: timeout,
			Run:     run,
			Opt:     opt,
			State:   state,
		})
		if err != nil {
			s.reportEnqueueError(name, err)
		}
	}

	var sched cron.Schedule = cron.Every(d.every)
	if !d.firstAt.IsZero() {
		sched = &firstRunSchedule{base: sched, first: d.firstAt}
	}
	d.entryID = s.c.Schedule(sched, cron.FuncJob(fire))

	if d.firstAt.IsZero() && !d.firedNow {
		d.firedNow = true
		fire()
	}
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithLocation(loc))
	for i := range s.defs {
		s.addCronLocked(&s.defs[i])
	}
	s.c.Start()
	s.log.Info("scheduler restarted", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
