// Package scheduler is the trigger side of job execution.
//
// It parses trigger specs (daily HH:MM, every N hours, weekly day+HH:MM),
// computes fire times on a robfig/cron loop and hands each fire to a Handler,
// normally a non-blocking enqueue into the job engine. Missed fires are never
// replayed; interval triggers are anchored at the last persisted fire or at
// process start.
package scheduler
