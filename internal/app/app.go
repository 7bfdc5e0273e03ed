package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"studyagent/internal/agent"
	"studyagent/internal/calendar"
	"studyagent/internal/config"
	"studyagent/internal/eventbus"
	"studyagent/internal/notify"
	"studyagent/internal/observability/status"
	rtsup "studyagent/internal/runtime/supervisor"
	"studyagent/internal/store"
	"studyagent/internal/task/engine"
	"studyagent/internal/task/scheduler"
	logx "studyagent/pkg/logx"
)

// ErrProfilesUnsupported is returned by AddProfile for backends that manage
// users elsewhere (PostgREST profiles come from the auth service).
var ErrProfilesUnsupported = errors.New("store backend does not support adding profiles")

type Option func(*options)

type options struct {
	lookup config.LookupFunc
}

// WithEnvLookup replaces os.LookupEnv for configuration overrides.
func WithEnvLookup(fn config.LookupFunc) Option {
	return func(o *options) { o.lookup = fn }
}

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  store.Backend
	engine *engine.Service
	sched  *scheduler.Service
	notif  *notify.Service
	agent  *agent.Agent
	status *status.Service
	events *eventbus.Recorder

	agentRetry time.Duration
}

const maxAgentRetry = time.Minute

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	if o.lookup != nil {
		cfgm.SetEnvLookup(o.lookup)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateMapped(context.Background(), cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Mappers were validated above; errors below cannot happen.
	storeCfg, _ := mapStoreConfig(cfg)
	calCfg, _ := mapCalendarConfig(cfg)
	engCfg, _ := mapEngineConfig(cfg)
	agentCfg, _ := mapAgentConfig(cfg)
	statusCfg, _ := mapStatusConfig(cfg)

	st, err := store.Open(storeCfg, log.With(logx.String("comp", "store")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	appLog.Info("store opened", logx.String("driver", storeCfg.Driver))

	fail := func(err error) (*App, error) {
		_ = st.Close()
		_ = logSvc.Close()
		return nil, err
	}

	notifSvc, err := notify.New(mapNotifierConfig(cfg), log.With(logx.String("comp", "notify")))
	if err != nil {
		return fail(err)
	}
	calSvc := calendar.New(calCfg, st, log.With(logx.String("comp", "calendar")))
	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)
	schedSvc := scheduler.New(mapSchedulerConfig(cfg), engineSvc, log.With(logx.String("comp", "scheduler")))

	ag, err := agent.New(agentCfg, agent.Deps{
		Calendar:  calSvc,
		Store:     st,
		Notifier:  notifSvc,
		Scheduler: schedSvc,
	}, log.With(logx.String("comp", "agent")), bus)
	if err != nil {
		return fail(err)
	}

	a := &App{
		cfgm:   cfgm,
		log:    appLog,
		logs:   logSvc,
		bus:    bus,
		store:  st,
		engine: engineSvc,
		sched:  schedSvc,
		notif:  notifSvc,
		agent:  ag,
		events: eventbus.NewRecorder(cfg.Status.EventHistory),

		agentRetry: time.Second,
	}
	a.status = status.New(statusCfg, status.Sources{
		Agent:         func() agent.Status { return a.agent.Status() },
		Engine:        engineSvc.Snapshot,
		Scheduler:     schedSvc.Snapshot,
		Notifications: notifSvc.Snapshot,
		Events:        a.events,
		Goroutines:    a.goroutines,
		Started:       time.Now(),
	}, log.With(logx.String("comp", "status")))
	return a, nil
}

func (a *App) goroutines() rtsup.Counters {
	if a.sup == nil {
		return rtsup.Counters{}
	}
	return a.sup.Counters()
}

func (a *App) Agent() *agent.Agent { return a.agent }

// StatusAddr returns the status server's bound address, or "" when it is
// not serving.
func (a *App) StatusAddr() string { return a.status.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateMapped)

	// Subscribe before anything publishes so the first sync is recorded.
	recCh, recUnsub := a.bus.Subscribe(128)
	a.sup.Go0("events.record", func(c context.Context) {
		defer recUnsub()
		a.events.Run(c, recCh)
	})

	logCh, logUnsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer logUnsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-logCh:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.engine.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())
	a.status.Start(a.sup.Context())
	if err := a.agent.Start(); err != nil {
		// Status keeps serving; the agent is re-armed in the background.
		a.log.Error("agent start failed; retrying", logx.Err(err))
		a.sup.Go0("agent.start", a.retryAgentStart)
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		watchdogLoop(c, a.log)
	})

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started")
	return nil
}

// retryAgentStart re-arms an agent whose first start failed, backing off up
// to maxAgentRetry between attempts.
func (a *App) retryAgentStart(ctx context.Context) {
	wait := a.agentRetry
	for {
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if ctx.Err() != nil {
			return
		}
		err := a.agent.Start()
		if err == nil {
			a.log.Info("agent started after retry")
			return
		}
		wait = min(wait*2, maxAgentRetry)
		a.log.Warn("agent start retry failed", logx.Err(err), logx.Duration("next", wait))
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if config.RestartRequired(s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if engCfg, err := mapEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, engCfg)
	}
	a.sched.Apply(mapSchedulerConfig(newCfg))

	if agentCfg, err := mapAgentConfig(newCfg); err != nil {
		a.log.Warn("invalid agent config; keeping previous", logx.Err(err))
	} else if err := a.agent.Apply(agentCfg); err != nil {
		a.log.Error("agent re-arm failed", logx.Err(err))
	}

	// The driver is fixed until restart; rate and link settings apply live.
	a.notif.Apply(mapNotifierConfig(newCfg))

	if stCfg, err := mapStatusConfig(newCfg); err != nil {
		a.log.Warn("invalid status config; keeping previous", logx.Err(err))
	} else {
		a.status.Reconfigure(a.sup.Context(), stCfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// RunOnce executes a single agent task in the caller's goroutine without
// starting the scheduler. Pair with Close.
func (a *App) RunOnce(ctx context.Context, task string) error {
	switch task {
	case agent.TaskSync:
		return a.agent.SyncNow(ctx)
	case agent.TaskCheck:
		return a.agent.CheckNow(ctx)
	default:
		return fmt.Errorf("unknown task %q", task)
	}
}

// AddProfile registers a user in backends that keep profiles locally.
func (a *App) AddProfile(ctx context.Context, email string) (string, error) {
	pa, ok := a.store.(store.ProfileAdder)
	if !ok {
		return "", ErrProfilesUnsupported
	}
	return pa.AddProfile(ctx, strings.TrimSpace(email))
}

// Close releases the store and log sinks of an app that was never started.
func (a *App) Close() error {
	err := a.store.Close()
	_ = a.logs.Close()
	return err
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			// respect the caller's deadline; never extend it
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	// The agent goes first so no new fires are armed while the rest unwinds.
	step("agent", time.Second, func(context.Context) error { a.agent.Stop(); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("status", time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	step("store", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}
