// Package storage is the persistence layer.
//
// It holds:
//   - job execution records (one per attempt)
//   - tracked items and their metric samples
//   - the fallback controller state
//   - the last fire time per interval job
//   - optional notifier dedup state (to survive restarts)
package storage
