// Package scheduler arms recurring interval triggers on top of robfig/cron.
//
// Execution is delegated to the task engine. The scheduler is responsible only for:
//   - registering schedules (upsert by name)
//   - computing next trigger times, including an explicit first-fire offset
//   - enqueueing tasks into the engine when a trigger fires
package scheduler
