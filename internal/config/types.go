package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings ("30s", "5m") and are parsed where they are used.
type Config struct {
	Agent      AgentConfig      `json:"agent"`
	Logging    LoggingConfig    `json:"logging"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	TaskEngine TaskEngineConfig `json:"task_engine"`
	Calendar   CalendarConfig   `json:"calendar"`
	Store      StoreConfig      `json:"store"`
	Notifier   NotifierConfig   `json:"notifier"`
	Status     StatusConfig     `json:"status,omitempty"`
}

// AgentConfig controls the sync/check loop.
//
// Interval accepts a Go duration, "HH:MM" or a bare number of minutes.
// CheckDelay defaults to Interval when empty.
type AgentConfig struct {
	UserEmail      string `json:"user_email"`
	Interval       string `json:"interval"`
	CheckDelay     string `json:"check_delay,omitempty"`
	SyncDaysAhead  int    `json:"sync_days_ahead"`
	CheckDaysAhead int    `json:"check_days_ahead"`
	AuthURL        string `json:"auth_url"`
	CallTimeout    string `json:"call_timeout,omitempty"`
	TaskTimeout    string `json:"task_timeout,omitempty"`
	// RenotifyAfter re-attempts notifications for assignments still unnotified
	// after this age. "0s" disables the re-scan.
	RenotifyAfter string `json:"renotify_after,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the trigger service.
type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig controls task execution.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 64
//   - default_timeout: "0s" (disabled; tasks carry their own timeout)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 100
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// CalendarConfig lists the ICS feeds that are synced into the store.
type CalendarConfig struct {
	Sources    []string `json:"sources"`
	CacheDir   string   `json:"cache_dir,omitempty"`
	Timeout    string   `json:"timeout,omitempty"`
	UserAgent  string   `json:"user_agent,omitempty"`
	IncludeAll bool     `json:"include_all,omitempty"`
}

// StoreConfig selects the assignment store backend.
//
// Example:
//
//	"store": { "driver": "postgrest", "url": "https://xyz.supabase.co", "key": "..." }
//	"store": { "driver": "sqlite", "path": "./studyagent.db" }
type StoreConfig struct {
	Driver      string `json:"driver"`
	URL         string `json:"url,omitempty"`
	Key         string `json:"key,omitempty"` // service key (do not log)
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

// NotifierConfig selects the delivery channel for new-assignment messages.
type NotifierConfig struct {
	Driver     string         `json:"driver"` // log | smtp | telegram
	RatePerSec float64        `json:"rate_per_sec,omitempty"`
	AppURL     string         `json:"app_url,omitempty"`
	SMTP       SMTPConfig     `json:"smtp,omitempty"`
	Telegram   TelegramConfig `json:"telegram,omitempty"`
}

type SMTPConfig struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	From     string `json:"from,omitempty"`
	// TLS is one of "starttls" (default), "tls" or "none".
	TLS string `json:"tls,omitempty"`
}

type TelegramConfig struct {
	Token  string `json:"token,omitempty"` // do not log
	ChatID int64  `json:"chat_id,omitempty"`
}

// StatusConfig controls the optional HTTP status server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	EventHistory  int    `json:"event_history,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
