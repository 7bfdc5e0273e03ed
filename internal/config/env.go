package config

import (
	"fmt"
	"strconv"
	"strings"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays environment variables on cfg. Unset or blank variables
// leave the configured value untouched.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if cfg == nil || lookup == nil {
		return nil
	}
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	atoi := func(key string) (int, bool, error) {
		v, ok := get(key)
		if !ok {
			return 0, false, nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, false, fmt.Errorf("%s: invalid integer %q", key, v)
		}
		return n, true, nil
	}

	if v, ok := get("USER_EMAIL"); ok {
		cfg.Agent.UserEmail = v
	}
	if v, ok := get("SYNC_INTERVAL_MINUTES"); ok {
		cfg.Agent.Interval = v
	}
	if n, ok, err := atoi("CHECK_DAYS_AHEAD"); err != nil {
		return err
	} else if ok {
		cfg.Agent.CheckDaysAhead = n
	}
	if n, ok, err := atoi("SYNC_DAYS_AHEAD"); err != nil {
		return err
	} else if ok {
		cfg.Agent.SyncDaysAhead = n
	}
	if v, ok := get("AUTH_URL"); ok {
		cfg.Agent.AuthURL = v
	}

	if v, ok := get("SUPABASE_URL"); ok {
		cfg.Store.URL = v
	}
	if v, ok := get("SUPABASE_SERVICE_KEY"); ok {
		cfg.Store.Key = v
	}

	if v, ok := get("CALENDAR_ICS_URL"); ok {
		if len(cfg.Calendar.Sources) == 0 {
			cfg.Calendar.Sources = []string{v}
		} else {
			cfg.Calendar.Sources[0] = v
		}
	}

	if v, ok := get("SMTP_HOST"); ok {
		cfg.Notifier.SMTP.Host = v
	}
	if n, ok, err := atoi("SMTP_PORT"); err != nil {
		return err
	} else if ok {
		cfg.Notifier.SMTP.Port = n
	}
	if v, ok := get("SMTP_USERNAME"); ok {
		cfg.Notifier.SMTP.Username = v
	}
	if v, ok := get("SMTP_PASSWORD"); ok {
		cfg.Notifier.SMTP.Password = v
	}
	if v, ok := get("SMTP_FROM"); ok {
		cfg.Notifier.SMTP.From = v
	}

	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	return nil
}
