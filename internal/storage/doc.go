// Package storage persists the run history of scheduled tasks.
//
// It records executions only; pending tasks are never persisted and are not
// restored after a restart.
//
// Drivers:
//   - "file": append-only JSON Lines, no external dependencies
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
package storage
