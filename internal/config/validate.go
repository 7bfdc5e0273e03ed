package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"studyagent/internal/task/scheduler"
)

// Validate rejects configurations that cannot be run. It is used on startup
// and before a hot-reloaded config is committed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if err := validateAgent(cfg.Agent); err != nil {
		return err
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}

	te := cfg.TaskEngine
	if te.Workers < 0 {
		return fmt.Errorf("task_engine.workers must be >= 0")
	}
	if te.QueueSize < 0 {
		return fmt.Errorf("task_engine.queue_size must be >= 0")
	}
	if te.HistorySize < 0 {
		return fmt.Errorf("task_engine.history_size must be >= 0")
	}
	if _, err := ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return err
	}

	for i, src := range cfg.Calendar.Sources {
		if err := validateSource(src); err != nil {
			return fmt.Errorf("calendar.sources[%d]: %w", i, err)
		}
	}
	if _, err := ParseDurationField("calendar.timeout", cfg.Calendar.Timeout); err != nil {
		return err
	}

	if err := validateStore(cfg.Store); err != nil {
		return err
	}
	if err := validateNotifier(cfg.Notifier); err != nil {
		return err
	}

	st := cfg.Status
	for path, raw := range map[string]string{
		"status.read_timeout":  st.ReadTimeout,
		"status.write_timeout": st.WriteTimeout,
		"status.idle_timeout":  st.IdleTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	if st.EventHistory < 0 {
		return fmt.Errorf("status.event_history must be >= 0")
	}
	return nil
}

func validateAgent(a AgentConfig) error {
	if strings.TrimSpace(a.UserEmail) == "" {
		return fmt.Errorf("agent.user_email is required")
	}
	if _, err := scheduler.ParseInterval(a.Interval); err != nil {
		return fmt.Errorf("agent.interval: %w", err)
	}
	if a.SyncDaysAhead <= 0 {
		return fmt.Errorf("agent.sync_days_ahead must be > 0")
	}
	if a.CheckDaysAhead < 0 {
		return fmt.Errorf("agent.check_days_ahead must be >= 0")
	}
	for path, raw := range map[string]string{
		"agent.check_delay":    a.CheckDelay,
		"agent.call_timeout":   a.CallTimeout,
		"agent.task_timeout":   a.TaskTimeout,
		"agent.renotify_after": a.RenotifyAfter,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	return nil
}

func validateSource(raw string) error {
	s := strings.TrimSpace(raw)
	if s == "" {
		return fmt.Errorf("empty source")
	}
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http", "https", "webcal", "file", "":
		return nil
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

func validateStore(s StoreConfig) error {
	switch s.EffectiveDriver() {
	case "postgrest":
		if strings.TrimSpace(s.URL) == "" {
			return fmt.Errorf("store.url is required when store.driver=postgrest")
		}
		if strings.TrimSpace(s.Key) == "" {
			return fmt.Errorf("store.key is required when store.driver=postgrest")
		}
		if _, err := url.ParseRequestURI(strings.TrimSpace(s.URL)); err != nil {
			return fmt.Errorf("store.url: %w", err)
		}
	case "sqlite":
		if strings.TrimSpace(s.Path) == "" {
			return fmt.Errorf("store.path is required when store.driver=sqlite")
		}
	default:
		return fmt.Errorf("unknown store.driver: %s", s.Driver)
	}
	if _, err := ParseDurationField("store.busy_timeout", s.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("store.timeout", s.Timeout); err != nil {
		return err
	}
	return nil
}

func validateNotifier(n NotifierConfig) error {
	if n.RatePerSec < 0 {
		return fmt.Errorf("notifier.rate_per_sec must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(n.Driver)) {
	case "", "log":
	case "smtp":
		if strings.TrimSpace(n.SMTP.Host) == "" {
			return fmt.Errorf("notifier.smtp.host is required when notifier.driver=smtp")
		}
		if strings.TrimSpace(n.SMTP.From) == "" {
			return fmt.Errorf("notifier.smtp.from is required when notifier.driver=smtp")
		}
		if n.SMTP.Port <= 0 || n.SMTP.Port > 65535 {
			return fmt.Errorf("notifier.smtp.port out of range: %d", n.SMTP.Port)
		}
		switch strings.ToLower(strings.TrimSpace(n.SMTP.TLS)) {
		case "", "starttls", "tls", "none":
		default:
			return fmt.Errorf("notifier.smtp.tls: unknown mode %q", n.SMTP.TLS)
		}
	case "telegram":
		if strings.TrimSpace(n.Telegram.Token) == "" {
			return fmt.Errorf("notifier.telegram.token is required when notifier.driver=telegram")
		}
		if n.Telegram.ChatID == 0 {
			return fmt.Errorf("notifier.telegram.chat_id is required when notifier.driver=telegram")
		}
	default:
		return fmt.Errorf("unknown notifier.driver: %s", n.Driver)
	}
	return nil
}
