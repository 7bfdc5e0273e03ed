package agent

import (
	"context"
	"fmt"

	"studyagent/internal/eventbus"
	logx "studyagent/pkg/logx"
)

// runSync is the calendar_sync body. LastSyncTime moves only on full success;
// failures are returned to the engine, which logs them. The next fire is the
// retry.
func (a *Agent) runSync(ctx context.Context) error {
	cfg := a.config()

	cctx, cancel := a.callCtx(ctx, cfg)
	ok, err := a.cal.Sync(cctx, cfg.SyncDaysAhead)
	cancel()
	if err != nil {
		return fmt.Errorf("calendar sync: %w", err)
	}
	if !ok {
		return ErrSyncIncomplete
	}

	now := a.now()
	a.mu.Lock()
	a.lastSync = now
	a.mu.Unlock()

	a.log.Debug("calendar sync ok", logx.Int("days_ahead", cfg.SyncDaysAhead))
	a.publish(eventbus.CalendarSynced, SyncEvent{At: now, DaysAhead: cfg.SyncDaysAhead})
	return nil
}
