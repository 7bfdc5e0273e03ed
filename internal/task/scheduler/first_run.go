package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// firstRunSchedule fires once at first, then follows base.
type firstRunSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *firstRunSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first.In(t.Location())
	}
	return s.base.Next(t)
}
