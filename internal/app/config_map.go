package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"studyagent/internal/agent"
	"studyagent/internal/calendar"
	"studyagent/internal/config"
	"studyagent/internal/notify"
	"studyagent/internal/observability/status"
	"studyagent/internal/store"
	"studyagent/internal/task/engine"
	"studyagent/internal/task/scheduler"
	logx "studyagent/pkg/logx"
)

// validateMapped runs every mapper so a hot reload is rejected before commit
// when a section cannot be turned into component config.
func validateMapped(_ context.Context, cfg *config.Config) error {
	if _, err := mapAgentConfig(cfg); err != nil {
		return err
	}
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStoreConfig(cfg); err != nil {
		return err
	}
	if _, err := mapCalendarConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStatusConfig(cfg); err != nil {
		return err
	}
	return nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapAgentConfig(cfg *config.Config) (agent.Config, error) {
	a := cfg.Agent
	interval, err := scheduler.ParseInterval(a.Interval)
	if err != nil {
		return agent.Config{}, fmt.Errorf("agent.interval: %w", err)
	}
	checkDelay, err := config.ParseDurationField("agent.check_delay", a.CheckDelay)
	if err != nil {
		return agent.Config{}, err
	}
	callTimeout, err := config.ParseDurationField("agent.call_timeout", a.CallTimeout)
	if err != nil {
		return agent.Config{}, err
	}
	taskTimeout, err := config.ParseDurationField("agent.task_timeout", a.TaskTimeout)
	if err != nil {
		return agent.Config{}, err
	}
	renotify, err := config.ParseDurationField("agent.renotify_after", a.RenotifyAfter)
	if err != nil {
		return agent.Config{}, err
	}
	return agent.Config{
		UserEmail:      strings.TrimSpace(a.UserEmail),
		Interval:       interval,
		CheckDelay:     checkDelay,
		SyncDaysAhead:  a.SyncDaysAhead,
		CheckDaysAhead: a.CheckDaysAhead,
		AuthURL:        strings.TrimSpace(a.AuthURL),
		CallTimeout:    callTimeout,
		TaskTimeout:    taskTimeout,
		RenotifyAfter:  renotify,
	}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine

	workers := te.Workers
	if workers <= 0 {
		workers = 2
	}
	queueSize := te.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	historySize := te.HistorySize
	if historySize <= 0 {
		historySize = 100
	}

	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}

	return engine.Config{
		Enabled:        true,
		Workers:        workers,
		QueueSize:      queueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    historySize,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Timezone: strings.TrimSpace(cfg.Scheduler.Timezone)}
}

func mapStoreConfig(cfg *config.Config) (store.Config, error) {
	s := cfg.Store
	busy, err := config.ParseDurationField("store.busy_timeout", s.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	timeout, err := config.ParseDurationField("store.timeout", s.Timeout)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{
		Driver:      s.EffectiveDriver(),
		URL:         strings.TrimSpace(s.URL),
		Key:         strings.TrimSpace(s.Key),
		Path:        strings.TrimSpace(s.Path),
		BusyTimeout: busy,
		Timeout:     timeout,
	}, nil
}

func mapCalendarConfig(cfg *config.Config) (calendar.Config, error) {
	c := cfg.Calendar
	timeout, err := config.ParseDurationOrDefault("calendar.timeout", c.Timeout, 30*time.Second)
	if err != nil {
		return calendar.Config{}, err
	}
	sources := make([]string, 0, len(c.Sources))
	for _, s := range c.Sources {
		if s = strings.TrimSpace(s); s != "" {
			sources = append(sources, s)
		}
	}
	return calendar.Config{
		Sources:    sources,
		CacheDir:   strings.TrimSpace(c.CacheDir),
		Timeout:    timeout,
		UserAgent:  strings.TrimSpace(c.UserAgent),
		IncludeAll: c.IncludeAll,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) notify.Config {
	n := cfg.Notifier
	return notify.Config{
		Driver:     strings.ToLower(strings.TrimSpace(n.Driver)),
		RatePerSec: n.RatePerSec,
		AppURL:     strings.TrimSpace(n.AppURL),
		SMTP: notify.SMTPConfig{
			Host:     strings.TrimSpace(n.SMTP.Host),
			Port:     n.SMTP.Port,
			Username: n.SMTP.Username,
			Password: n.SMTP.Password,
			From:     strings.TrimSpace(n.SMTP.From),
			TLS:      strings.ToLower(strings.TrimSpace(n.SMTP.TLS)),
		},
		Telegram: notify.TelegramConfig{
			Token:  strings.TrimSpace(n.Telegram.Token),
			ChatID: n.Telegram.ChatID,
		},
	}
}

func mapStatusConfig(cfg *config.Config) (status.Config, error) {
	st := cfg.Status
	readTimeout, err := config.ParseDurationOrDefault("status.read_timeout", st.ReadTimeout, 10*time.Second)
	if err != nil {
		return status.Config{}, err
	}
	writeTimeout, err := config.ParseDurationOrDefault("status.write_timeout", st.WriteTimeout, 30*time.Second)
	if err != nil {
		return status.Config{}, err
	}
	idleTimeout, err := config.ParseDurationOrDefault("status.idle_timeout", st.IdleTimeout, 60*time.Second)
	if err != nil {
		return status.Config{}, err
	}
	addr := strings.TrimSpace(st.Addr)
	if addr == "" {
		addr = config.DefaultStatusAddr
	}
	return status.Config{
		Enabled:       st.Enabled,
		Addr:          addr,
		Token:         strings.TrimSpace(st.Token),
		AllowInsecure: st.AllowInsecure,
		Pprof:         st.Pprof,
		ReadTimeout:   readTimeout,
		WriteTimeout:  writeTimeout,
		IdleTimeout:   idleTimeout,
	}, nil
}
