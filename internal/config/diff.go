package config

import (
	"reflect"
	"sort"
	"strings"

	logx "studyagent/pkg/logx"
)

// SummarizeConfigChange returns the list of changed top-level sections and
// safe structured attrs for logging. Secrets (store key, SMTP password, bot
// token, status token) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Agent, newCfg.Agent) {
		changed = append(changed, "agent")
		attrs = append(attrs,
			logx.String("agent.interval", strings.TrimSpace(newCfg.Agent.Interval)),
			logx.String("agent.check_delay", strings.TrimSpace(newCfg.Agent.CheckDelay)),
			logx.Int("agent.sync_days_ahead", newCfg.Agent.SyncDaysAhead),
			logx.Bool("agent.user_changed", oldCfg.Agent.UserEmail != newCfg.Agent.UserEmail),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)))
	}
	if oldCfg.TaskEngine != newCfg.TaskEngine {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
			logx.Int("task_engine.queue_size", newCfg.TaskEngine.QueueSize),
		)
	}
	if !reflect.DeepEqual(oldCfg.Calendar, newCfg.Calendar) {
		changed = append(changed, "calendar")
		attrs = append(attrs,
			logx.Int("calendar.sources", len(newCfg.Calendar.Sources)),
			logx.Bool("calendar.include_all", newCfg.Calendar.IncludeAll),
		)
	}
	if oldCfg.Store != newCfg.Store {
		changed = append(changed, "store")
		attrs = append(attrs,
			logx.String("store.driver", newCfg.Store.EffectiveDriver()),
			logx.Bool("store.key_set", strings.TrimSpace(newCfg.Store.Key) != ""),
		)
	}
	if oldCfg.Notifier != newCfg.Notifier {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.String("notifier.driver", newCfg.Notifier.Driver),
			logx.Any("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
		)
	}
	if oldCfg.Status != newCfg.Status {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", newCfg.Status.Enabled),
			logx.String("status.addr", strings.TrimSpace(newCfg.Status.Addr)),
			logx.Bool("status.token_set", strings.TrimSpace(newCfg.Status.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections that are read once at startup.
func RestartRequired(section string) bool {
	switch section {
	case "store", "notifier", "calendar":
		return true
	}
	return false
}
