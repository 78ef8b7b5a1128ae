// Package scheduler implements the BatchScheduler (spec §4.1): queue
// admission, batch formation with optional large-task splitting
// (§4.3), timeout-based closure, and dispatch to a fixed worker pool
// shared across all named queues.
//
// The scheduler is deliberately ignorant of tensor contents — it only
// ever asks a Task for its Size(). Splitting a task that does not fit
// the open batch is delegated to a Splitter supplied by the caller at
// AddQueue time, since only the caller (resource.BatchResource) knows
// how to slice its own payload.
package scheduler
