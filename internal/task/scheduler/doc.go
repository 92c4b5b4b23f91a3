// Package scheduler computes trigger times (interval, cron, fixed dates) and
// fires a callback with the schedule id when a trigger is due.
//
// The scheduler does not execute anything itself. Execution is delegated to
// internal/task/engine by whoever owns the callback. The scheduler is
// responsible only for:
//   - registering triggers
//   - computing next trigger times
//   - pausing, resuming and replacing triggers
package scheduler
