package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "studyagent/pkg/logx"
)

// sdNotify reports state to systemd when running under a Type=notify unit.
// Outside systemd (no NOTIFY_SOCKET) it is a no-op.
func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("systemd notified", logx.String("state", state))
	}
}

// watchdogLoop pings the systemd watchdog at half the configured interval.
// It returns immediately when WatchdogSec is not set for the unit.
func watchdogLoop(ctx context.Context, log logx.Logger) {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("systemd watchdog check failed", logx.Err(err))
		return
	}
	if every <= 0 {
		return
	}
	tick := every / 2
	if tick < time.Second {
		tick = time.Second
	}
	log.Info("systemd watchdog enabled", logx.Duration("interval", every))

	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
