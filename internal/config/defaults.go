package config

import "strings"

const (
	DefaultUserEmail  = "student@example.com"
	DefaultAuthURL    = "http://localhost:8080/auth"
	DefaultStatusAddr = "127.0.0.1:6060"
)

// Default returns the configuration used when neither a file nor the
// environment sets a value.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			UserEmail:      DefaultUserEmail,
			Interval:       "1m",
			SyncDaysAhead:  90,
			CheckDaysAhead: 7,
			AuthURL:        DefaultAuthURL,
			CallTimeout:    "30s",
			TaskTimeout:    "5m",
			RenotifyAfter:  "15m",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
		Calendar: CalendarConfig{
			CacheDir: "./var/ics-cache",
			Timeout:  "30s",
		},
		Store: StoreConfig{
			Path:        "./studyagent.db",
			BusyTimeout: "5s",
			Timeout:     "30s",
		},
		Notifier: NotifierConfig{
			Driver:     "log",
			RatePerSec: 2,
			SMTP: SMTPConfig{
				Port: 587,
				TLS:  "starttls",
			},
		},
		Status: StatusConfig{
			Addr:         DefaultStatusAddr,
			EventHistory: 200,
		},
	}
}

// EffectiveDriver resolves an empty driver: postgrest when a URL is
// configured, sqlite otherwise.
func (s StoreConfig) EffectiveDriver() string {
	d := strings.ToLower(strings.TrimSpace(s.Driver))
	switch d {
	case "":
		if strings.TrimSpace(s.URL) != "" {
			return "postgrest"
		}
		return "sqlite"
	case "supabase":
		return "postgrest"
	case "sqlite3":
		return "sqlite"
	default:
		return d
	}
}
