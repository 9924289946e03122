// Package fleet coordinates groups of agents under one discipline: peer
// consensus, hierarchical delegation, pipelines, swarms, and tiered review.
package fleet

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the fleet lifecycle state machine:
// Initializing → Ready → Active ⇄ Paused → ShuttingDown.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusActive       Status = "active"
	StatusPaused       Status = "paused"
	StatusShuttingDown Status = "shutting_down"
)

// InstanceState is the per-instance lifecycle:
// Starting → Idle ⇄ Busy → Stopped | Failed.
type InstanceState string

const (
	InstanceStarting InstanceState = "starting"
	InstanceIdle     InstanceState = "idle"
	InstanceBusy     InstanceState = "busy"
	InstanceStopped  InstanceState = "stopped"
	InstanceFailed   InstanceState = "failed"
)

// Instance is one logical replica of a fleet agent. Field updates happen
// under the coordinator lock.
type Instance struct {
	ID             string        `json:"id"`
	AgentName      string        `json:"agent"`
	Replica        int           `json:"replica"`
	State          InstanceState `json:"state"`
	TasksProcessed int           `json:"tasks_processed"`
}

// TaskStatus is the per-task lifecycle.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is one unit of fleet work.
type Task struct {
	ID          string         `json:"id"`
	Input       string         `json:"input"`
	Type        string         `json:"type,omitempty"`
	Skills      []string       `json:"skills,omitempty"`
	Status      TaskStatus     `json:"status"`
	AssignedTo  string         `json:"assigned_to,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   time.Time      `json:"started_at,omitempty"`
	CompletedAt time.Time      `json:"completed_at,omitempty"`
}

func newTask(input string) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Input:     input,
		Status:    TaskPending,
		Metadata:  make(map[string]any),
		CreatedAt: time.Now(),
	}
}

// Metrics accumulates fleet counters.
type Metrics struct {
	TasksSubmitted int       `json:"tasks_submitted"`
	TasksCompleted int       `json:"tasks_completed"`
	TasksFailed    int       `json:"tasks_failed"`
	StartedAt      time.Time `json:"started_at"`
}

// FleetError reports a coordination failure.
type FleetError struct {
	Fleet     string
	Operation string
	Message   string
	Err       error
}

func (e *FleetError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[fleet:%s:%s] %s: %v", e.Fleet, e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("[fleet:%s:%s] %s", e.Fleet, e.Operation, e.Message)
}

func (e *FleetError) Unwrap() error { return e.Err }

func NewFleetError(fleet, operation, message string, err error) *FleetError {
	return &FleetError{Fleet: fleet, Operation: operation, Message: message, Err: err}
}
