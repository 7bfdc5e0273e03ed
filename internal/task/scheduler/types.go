package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"studyagent/internal/task/engine"
	logx "studyagent/pkg/logx"
)

// Config controls the scheduler (trigger) service.
type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means Local
}

// Executor receives fired tasks. *engine.Service implements it.
type Executor interface {
	Enqueue(t engine.Task) error
}

type TaskOptions = engine.TaskOptions

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

type scheduleDef struct {
	id      string
	name    string
	every   time.Duration
	timeout time.Duration
	job     func(ctx context.Context) error
	opt     TaskOptions
	state   *engine.RunState
	entryID cron.EntryID

	// firstAt overrides the first trigger; zero means "fire on arm".
	firstAt  time.Time
	firedNow bool
}

type Service struct {
	mu sync.Mutex

	log  logx.Logger
	cfg  Config
	loc  *time.Location
	exec Executor

	c    *cron.Cron
	defs []scheduleDef

	// states outlive Remove so a re-registered schedule still sees a run
	// that is in flight from its previous registration.
	states map[string]*engine.RunState

	// Enqueue error throttling: key is schedule name.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type ScheduleInfo struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Every   time.Duration `json:"every"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next"`
	Prev    time.Time     `json:"prev"`
	Busy    bool          `json:"busy"`
}

type Snapshot struct {
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}
