package agent

import (
	"context"
	"errors"
	"time"

	"studyagent/internal/notify"
	"studyagent/internal/store"
)

const (
	TaskSync  = "calendar_sync"
	TaskCheck = "assignment_check"
)

const (
	defaultInterval      = time.Minute
	defaultSyncDaysAhead = 90
	defaultCallTimeout   = 30 * time.Second
	defaultTaskTimeout   = 5 * time.Minute
)

// ErrSyncIncomplete is returned by a sync fire when the calendar source
// reported a partial failure.
var ErrSyncIncomplete = errors.New("calendar sync incomplete")

// Config is the agent's runtime configuration.
type Config struct {
	UserEmail     string
	Interval      time.Duration
	CheckDelay    time.Duration // first assignment_check fire; 0 means Interval
	SyncDaysAhead int
	// CheckDaysAhead is reserved for exam-proximity reminders.
	CheckDaysAhead int
	AuthURL        string
	CallTimeout    time.Duration // per collaborator call
	TaskTimeout    time.Duration // whole fire
	RenotifyAfter  time.Duration // 0 disables the unnotified re-scan
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.CheckDelay <= 0 {
		c.CheckDelay = c.Interval
	}
	if c.SyncDaysAhead <= 0 {
		c.SyncDaysAhead = defaultSyncDaysAhead
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaultCallTimeout
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = defaultTaskTimeout
	}
	return c
}

// CalendarSource pulls events into the store. ok is false on partial failure.
type CalendarSource interface {
	Sync(ctx context.Context, daysAhead int) (ok bool, err error)
}

// Scheduler arms recurring fires. *scheduler.Service implements it.
type Scheduler interface {
	AddIntervalAfter(name string, every, delay, timeout time.Duration, job func(ctx context.Context) error) (string, error)
	Remove(name string) bool
	Next(name string) (time.Time, bool)
}

// Deps are the collaborators injected by the host.
type Deps struct {
	Calendar  CalendarSource
	Store     store.Store
	Notifier  notify.Notifier
	Scheduler Scheduler
}

// Status is a point-in-time view of the agent. Times are nil when unknown;
// next times are nil while stopped.
type Status struct {
	IsRunning         bool       `json:"is_running"`
	LastSyncTime      *time.Time `json:"last_sync_time"`
	LastCheckTime     *time.Time `json:"last_check_time"`
	NotificationsSent uint64     `json:"notifications_sent_count"`
	NextSyncTime      *time.Time `json:"next_sync_time"`
	NextCheckTime     *time.Time `json:"next_check_time"`
	PendingMarks      int        `json:"pending_marks"`
}

// AssignmentEvent is published for assignment lifecycle events.
type AssignmentEvent struct {
	ID        string `json:"id"`
	SourceKey string `json:"source_key"`
	Title     string `json:"title"`
	Error     string `json:"error,omitempty"`
}

// ProfileEvent is published when records wait for a missing profile.
type ProfileEvent struct {
	Email   string `json:"email"`
	Pending int    `json:"pending"`
	AuthURL string `json:"auth_url,omitempty"`
}

// SyncEvent is published after a successful calendar sync.
type SyncEvent struct {
	At        time.Time `json:"at"`
	DaysAhead int       `json:"days_ahead"`
}
