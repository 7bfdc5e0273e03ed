// Package agent is the polling/reconciliation/notification core.
//
// An Agent owns two recurring tasks armed on the scheduler:
//
//   - calendar_sync pulls calendar data into the store, first fire immediately;
//   - assignment_check reconciles unprocessed records into assignments and
//     notifies each newly created one, first fire after CheckDelay.
//
// Fires run inside the task engine with skip-if-running overlap, so a slow run
// never overlaps the next fire of the same task. Collaborators are injected
// through Deps; the agent holds no global state.
package agent
