package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"studyagent/internal/eventbus"
	"studyagent/internal/notify"
	"studyagent/internal/store"
	logx "studyagent/pkg/logx"
)

// Agent is safe for concurrent use. Construct it once per process with New.
type Agent struct {
	mu  sync.Mutex
	cfg Config

	cal      CalendarSource
	store    store.Store
	notifier notify.Notifier
	sched    Scheduler

	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	running   bool
	lastSync  time.Time
	lastCheck time.Time
	sent      uint64

	// pending holds assignments whose notification was delivered but whose
	// notified flag could not be written. Process-local.
	pending map[string]store.Assignment
}

func New(cfg Config, deps Deps, log logx.Logger, bus eventbus.Bus) (*Agent, error) {
	if deps.Calendar == nil || deps.Store == nil || deps.Notifier == nil || deps.Scheduler == nil {
		return nil, errors.New("agent: calendar, store, notifier and scheduler are required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Agent{
		cfg:      cfg.withDefaults(),
		cal:      deps.Calendar,
		store:    deps.Store,
		notifier: deps.Notifier,
		sched:    deps.Scheduler,
		log:      log,
		bus:      bus,
		now:      time.Now,
		pending:  make(map[string]store.Assignment),
	}, nil
}

// Start arms both tasks. It is a no-op when already running. On an arming
// failure no schedule is left behind and the agent stays stopped.
func (a *Agent) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		a.log.Warn("agent already running; start ignored")
		return nil
	}
	if err := a.armLocked(); err != nil {
		a.log.Error("agent start failed", logx.Err(err))
		return err
	}
	a.running = true
	a.log.Info("agent started",
		logx.String("user", redactEmail(a.cfg.UserEmail)),
		logx.Duration("interval", a.cfg.Interval),
		logx.Duration("check_delay", a.cfg.CheckDelay),
	)
	return nil
}

// Stop removes both schedules. In-flight fires are not interrupted.
func (a *Agent) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return
	}
	a.disarmLocked()
	a.running = false
	a.log.Info("agent stopped")
}

// Apply swaps the configuration. Timing changes re-arm both tasks while
// running; everything else is read by the next fire.
func (a *Agent) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	a.mu.Lock()
	defer a.mu.Unlock()

	prev := a.cfg
	a.cfg = cfg
	if !a.running {
		return nil
	}
	if prev.Interval == cfg.Interval && prev.CheckDelay == cfg.CheckDelay && prev.TaskTimeout == cfg.TaskTimeout {
		return nil
	}
	if err := a.armLocked(); err != nil {
		a.running = false
		a.log.Error("agent re-arm failed; agent stopped", logx.Err(err))
		return err
	}
	a.log.Info("agent re-armed", logx.Duration("interval", cfg.Interval), logx.Duration("check_delay", cfg.CheckDelay))
	return nil
}

// armLocked tears down any stale schedule under the agent's names and arms
// both tasks. Call with a.mu held.
func (a *Agent) armLocked() error {
	a.disarmLocked()
	cfg := a.cfg
	if _, err := a.sched.AddIntervalAfter(TaskSync, cfg.Interval, 0, cfg.TaskTimeout, a.runSync); err != nil {
		a.disarmLocked()
		return fmt.Errorf("arm %s: %w", TaskSync, err)
	}
	if _, err := a.sched.AddIntervalAfter(TaskCheck, cfg.Interval, cfg.CheckDelay, cfg.TaskTimeout, a.runCheck); err != nil {
		a.disarmLocked()
		return fmt.Errorf("arm %s: %w", TaskCheck, err)
	}
	return nil
}

func (a *Agent) disarmLocked() {
	for _, name := range []string{TaskSync, TaskCheck} {
		if a.sched.Remove(name) {
			a.log.Debug("schedule removed", logx.String("task", name))
		}
	}
}

func (a *Agent) Status() Status {
	a.mu.Lock()
	st := Status{
		IsRunning:         a.running,
		LastSyncTime:      timePtr(a.lastSync),
		LastCheckTime:     timePtr(a.lastCheck),
		NotificationsSent: a.sent,
		PendingMarks:      len(a.pending),
	}
	a.mu.Unlock()

	if st.IsRunning {
		if t, ok := a.sched.Next(TaskSync); ok {
			st.NextSyncTime = timePtr(t)
		}
		if t, ok := a.sched.Next(TaskCheck); ok {
			st.NextCheckTime = timePtr(t)
		}
	}
	return st
}

// SyncNow runs one calendar sync in the caller's goroutine.
func (a *Agent) SyncNow(ctx context.Context) error {
	ctx, cancel := a.taskCtx(ctx)
	defer cancel()
	return a.runSync(ctx)
}

// CheckNow runs one reconciliation and notification pass in the caller's
// goroutine.
func (a *Agent) CheckNow(ctx context.Context) error {
	ctx, cancel := a.taskCtx(ctx)
	defer cancel()
	return a.runCheck(ctx)
}

func (a *Agent) config() Config {
	a.mu.Lock()
	cfg := a.cfg
	a.mu.Unlock()
	return cfg
}

func (a *Agent) taskCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, a.config().TaskTimeout)
}

// callCtx bounds a single collaborator call.
func (a *Agent) callCtx(ctx context.Context, cfg Config) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, cfg.CallTimeout)
}

func (a *Agent) publish(typ string, data any) {
	eventbus.Publish(a.bus, typ, data)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func redactEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 1 {
		return email
	}
	return email[:1] + "***" + email[at:]
}
