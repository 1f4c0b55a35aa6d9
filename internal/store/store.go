// Package store records process history for a hopwire node. The default
// implementation uses SQLite (pure Go, no CGO).
package store

import (
	"context"
	"time"
)

// ProcessRecord is one command started by an executor.
type ProcessRecord struct {
	Session    string     `json:"session"`
	ProcessID  uint64     `json:"process_id"`
	Node       string     `json:"node"`
	Command    string     `json:"command"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ExitCode   *int64     `json:"exit_code,omitempty"`
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Session string
	Limit   int
}

// Store is the history interface. All methods are safe for concurrent use.
type Store interface {
	Record(ctx context.Context, rec ProcessRecord) error
	Finish(ctx context.Context, session string, processID uint64, exitCode int64) error
	// List returns records newest first.
	List(ctx context.Context, filter ListFilter) ([]ProcessRecord, error)
	// Prune deletes finished records older than before.
	Prune(ctx context.Context, before time.Time) (int64, error)

	// Close releases resources (e.g. closes the database).
	Close() error
}
