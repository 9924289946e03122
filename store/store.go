// Package store persists run state snapshots (workflow runs, flow states,
// fleet tasks) so waiting runs survive restarts.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Record is one persisted run snapshot. State holds the run's serialized
// snapshot; Kind distinguishes workflow, flow, and fleet records.
type Record struct {
	RunID     string          `json:"run_id"`
	Kind      string          `json:"kind"`
	State     json.RawMessage `json:"state"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store is the run-state persistence surface.
type Store interface {
	// Put inserts or replaces a record by run id.
	Put(ctx context.Context, rec *Record) error

	// Get returns the record for a run id.
	Get(ctx context.Context, runID string) (*Record, error)

	// List returns records of one kind, newest first. An empty kind lists
	// everything.
	List(ctx context.Context, kind string) ([]*Record, error)

	// Delete removes a record. Deleting an absent record is not an error.
	Delete(ctx context.Context, runID string) error

	// Close releases the backing resources.
	Close() error
}

// ErrNotFound reports a missing record.
type ErrNotFound struct {
	RunID string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("run %q not found", e.RunID)
}

// StoreError reports a persistence failure.
type StoreError struct {
	Backend   string
	Operation string
	Message   string
	Err       error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[store:%s:%s] %s: %v", e.Backend, e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("[store:%s:%s] %s", e.Backend, e.Operation, e.Message)
}

func (e *StoreError) Unwrap() error { return e.Err }

func NewStoreError(backend, operation, message string, err error) *StoreError {
	return &StoreError{Backend: backend, Operation: operation, Message: message, Err: err}
}

// Snapshot marshals any run state into a record.
func Snapshot(runID, kind string, state any) (*Record, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, NewStoreError(kind, "Snapshot", "failed to marshal state", err)
	}
	return &Record{RunID: runID, Kind: kind, State: data, UpdatedAt: time.Now()}, nil
}
