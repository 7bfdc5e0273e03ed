package scheduler

import (
	"errors"
	"time"

	"studyagent/internal/task/engine"
	logx "studyagent/pkg/logx"
)

const enqueueWarnEvery = 5 * time.Second

// reportEnqueueError logs a failed trigger. Overlap skips are expected when a
// previous run is still in flight; everything else is warned at most once per
// schedule per enqueueWarnEvery.
func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("trigger skipped: previous run in flight", logx.String("schedule", name))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	warn := last.IsZero() || now.Sub(last) >= enqueueWarnEvery
	if warn {
		s.lastEnqWarn[name] = now
	}
	s.enqMu.Unlock()

	if warn {
		s.log.Warn("trigger enqueue failed", logx.String("schedule", name), logx.Err(err))
	} else {
		s.log.Debug("trigger enqueue failed", logx.String("schedule", name), logx.Err(err))
	}
}
