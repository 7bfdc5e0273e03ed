package store

import (
	"errors"
	"strings"

	logx "studyagent/pkg/logx"
)

// Open initializes the configured backend.
func Open(cfg Config, log logx.Logger) (Backend, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "postgrest", "supabase":
		st, err := openPostgREST(cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "sqlite", "sqlite3":
		st, err := openSQLite(cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "":
		return nil, errors.New("store driver is required")
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
}
