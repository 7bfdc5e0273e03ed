package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseInterval parses a recurring interval.
//
// Supported formats:
//   - Go duration: "55m", "2h30m"
//   - HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//   - "@every 5m"
//   - bare integer: minutes ("5" is 5m)
func ParseInterval(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("interval is empty")
	}
	s = strings.TrimSpace(strings.TrimPrefix(s, "@every"))

	var (
		d   time.Duration
		err error
	)
	switch {
	case strings.Contains(s, ":"):
		d, err = parseHHMMDuration(s)
	case isDigits(s):
		var n int
		n, err = strconv.Atoi(s)
		d = time.Duration(n) * time.Minute
	default:
		d, err = time.ParseDuration(s)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid interval %q: must be positive", raw)
	}
	return d, nil
}

func parseHHMMDuration(s string) (time.Duration, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected HH:MM")
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 {
		return 0, fmt.Errorf("invalid hours %q", parts[0])
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minutes %q", parts[1])
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
