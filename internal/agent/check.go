package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"studyagent/internal/eventbus"
	"studyagent/internal/notify"
	"studyagent/internal/store"
	logx "studyagent/pkg/logx"
)

// runCheck is the assignment_check body:
//
//  1. retry notified-flag writes left over from earlier fires;
//  2. resolve the user; a missing profile defers all records untouched;
//  3. reconcile unprocessed records into assignments;
//  4. notify each newly created assignment, then mark it notified;
//  5. re-scan assignments that stayed unnotified past RenotifyAfter.
//
// Per-assignment failures never abort the batch.
func (a *Agent) runCheck(ctx context.Context) error {
	cfg := a.config()

	a.retryPendingMarks(ctx, cfg)

	cctx, cancel := a.callCtx(ctx, cfg)
	userID, err := a.store.LookupUserID(cctx, cfg.UserEmail)
	cancel()
	if errors.Is(err, store.ErrNotFound) {
		return a.deferForMissingProfile(ctx, cfg)
	}
	if err != nil {
		return fmt.Errorf("lookup user: %w", err)
	}

	cctx, cancel = a.callCtx(ctx, cfg)
	records, err := a.store.ListUnprocessed(cctx)
	cancel()
	if err != nil {
		return fmt.Errorf("list unprocessed: %w", err)
	}

	attempted := make(map[string]bool)
	var reconcileErr error
	if len(records) > 0 {
		cctx, cancel = a.callCtx(ctx, cfg)
		created, err := a.store.Reconcile(cctx, userID, records)
		cancel()
		if err != nil {
			if len(created) == 0 {
				return fmt.Errorf("reconcile: %w", err)
			}
			// Assignments exist now; notify them before reporting.
			reconcileErr = fmt.Errorf("reconcile: %w", err)
		}
		a.log.Info("records reconciled", logx.Int("records", len(records)), logx.Int("created", len(created)))

		for _, asg := range created {
			a.publish(eventbus.AssignmentCreated, assignmentEvent(asg, nil))
		}
		for _, asg := range created {
			if err := ctx.Err(); err != nil {
				return err
			}
			attempted[asg.ID] = true
			a.notifyOne(ctx, cfg, asg)
		}
	}

	if cfg.RenotifyAfter > 0 {
		if err := a.renotify(ctx, cfg, userID, attempted); err != nil {
			a.log.Warn("unnotified re-scan failed", logx.Err(err))
		}
	}

	a.touchCheck()
	return reconcileErr
}

func (a *Agent) deferForMissingProfile(ctx context.Context, cfg Config) error {
	cctx, cancel := a.callCtx(ctx, cfg)
	records, err := a.store.ListUnprocessed(cctx)
	cancel()
	if err != nil {
		return fmt.Errorf("list unprocessed: %w", err)
	}
	if len(records) > 0 {
		a.log.Warn("no profile for user; records kept for the next run. Sign in to link your account",
			logx.String("email", cfg.UserEmail),
			logx.String("auth_url", cfg.AuthURL),
			logx.Int("pending_records", len(records)),
		)
		a.publish(eventbus.ProfileMissing, ProfileEvent{Email: cfg.UserEmail, Pending: len(records), AuthURL: cfg.AuthURL})
	}
	a.touchCheck()
	return nil
}

// notifyOne sends one notification and records it. It reports whether the
// notification was delivered.
func (a *Agent) notifyOne(ctx context.Context, cfg Config, asg store.Assignment) bool {
	cctx, cancel := a.callCtx(ctx, cfg)
	err := a.notifier.SendNewAssignment(cctx, cfg.UserEmail, payloadFor(asg))
	cancel()
	if err != nil {
		a.log.Warn("notification failed", logx.String("assignment", asg.ID), logx.String("title", asg.Title), logx.Err(err))
		a.publish(eventbus.AssignmentNotifyFailed, assignmentEvent(asg, err))
		return false
	}

	a.mu.Lock()
	a.sent++
	a.mu.Unlock()
	a.publish(eventbus.AssignmentNotified, assignmentEvent(asg, nil))

	a.markNotified(ctx, cfg, asg)
	return true
}

func (a *Agent) markNotified(ctx context.Context, cfg Config, asg store.Assignment) {
	cctx, cancel := a.callCtx(ctx, cfg)
	err := a.store.MarkNotified(cctx, asg.ID, a.now())
	cancel()
	if err != nil {
		a.log.Error("notification delivered but not recorded",
			logx.String("assignment", asg.ID),
			logx.String("title", asg.Title),
			logx.Err(err),
		)
		a.publish(eventbus.AssignmentMarkInconsistent, assignmentEvent(asg, err))
		a.mu.Lock()
		a.pending[asg.ID] = asg
		a.mu.Unlock()
		return
	}
	a.mu.Lock()
	delete(a.pending, asg.ID)
	a.mu.Unlock()
}

// retryPendingMarks writes notified flags that failed earlier. It never
// re-sends a notification.
func (a *Agent) retryPendingMarks(ctx context.Context, cfg Config) {
	a.mu.Lock()
	if len(a.pending) == 0 {
		a.mu.Unlock()
		return
	}
	todo := make([]store.Assignment, 0, len(a.pending))
	for _, asg := range a.pending {
		todo = append(todo, asg)
	}
	a.mu.Unlock()

	for _, asg := range todo {
		if ctx.Err() != nil {
			return
		}
		cctx, cancel := a.callCtx(ctx, cfg)
		err := a.store.MarkNotified(cctx, asg.ID, a.now())
		cancel()
		switch {
		case err == nil:
			a.log.Info("pending notified flag recorded", logx.String("assignment", asg.ID))
		case errors.Is(err, store.ErrNotFound):
			a.log.Warn("pending assignment no longer exists; dropping", logx.String("assignment", asg.ID))
		default:
			a.log.Warn("pending notified flag still not recorded", logx.String("assignment", asg.ID), logx.Err(err))
			continue
		}
		a.mu.Lock()
		delete(a.pending, asg.ID)
		a.mu.Unlock()
	}
}

// renotify retries assignments that stayed unnotified, e.g. because the
// notifier failed when they were created.
func (a *Agent) renotify(ctx context.Context, cfg Config, userID string, attempted map[string]bool) error {
	cctx, cancel := a.callCtx(ctx, cfg)
	stale, err := a.store.ListUnnotified(cctx, userID, a.now().Add(-cfg.RenotifyAfter))
	cancel()
	if err != nil {
		return err
	}
	retried, delivered := 0, 0
	for _, asg := range stale {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempted[asg.ID] || a.isPending(asg.ID) {
			continue
		}
		attempted[asg.ID] = true
		retried++
		if a.notifyOne(ctx, cfg, asg) {
			delivered++
		}
	}
	if retried > 0 {
		a.log.Info("unnotified assignments retried", logx.Int("retried", retried), logx.Int("delivered", delivered))
	}
	return nil
}

func (a *Agent) isPending(id string) bool {
	a.mu.Lock()
	_, ok := a.pending[id]
	a.mu.Unlock()
	return ok
}

func (a *Agent) touchCheck() {
	now := a.now()
	a.mu.Lock()
	a.lastCheck = now
	a.mu.Unlock()
}

// payloadFor fills placeholders so thin records still notify.
func payloadFor(asg store.Assignment) notify.Payload {
	title := strings.TrimSpace(asg.Title)
	if title == "" {
		title = "Untitled assignment"
	}
	typ := strings.TrimSpace(asg.Type)
	if typ == "" {
		typ = "assignment"
	}
	course := strings.TrimSpace(asg.Course)
	if course == "" {
		course = title
	}
	return notify.Payload{
		ID:     asg.ID,
		Title:  title,
		Date:   asg.DueAt,
		Type:   typ,
		Course: course,
		Topics: asg.Topics,
	}
}

func assignmentEvent(asg store.Assignment, err error) AssignmentEvent {
	ev := AssignmentEvent{ID: asg.ID, SourceKey: asg.SourceKey, Title: asg.Title}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}
