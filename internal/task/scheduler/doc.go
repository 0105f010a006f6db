// Package scheduler runs units of work off the calling goroutine, either once
// after a delay or repeatedly on a period (or a cron schedule).
//
// A Scheduler owns a worker pool and the registry of live tasks. Tasks are
// created through the package-level Schedule* functions, register themselves on
// creation and deregister on completion or cancellation. Terminate cancels every
// live task and shuts the pool down; after that, scheduling fails with
// ErrIllegalState.
//
// Errors returned by work are contained per task: a one-shot task resolves to
// "no value", a repeating task keeps going on its next period. Failures are
// reported through the logger (rate limited) and an optional failure handler.
package scheduler
