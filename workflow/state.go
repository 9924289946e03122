// Package workflow drives step graphs: agent steps with validators and
// reducers, approvals, parallel fork-join, and conditional next resolution.
package workflow

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aofdev/aof/config"
)

// Status is the lifecycle state of one workflow run.
type Status string

const (
	StatusRunning         Status = "running"
	StatusWaitingApproval Status = "waiting_approval"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// RunState is the mutable state of one workflow run, protected by a single
// writer lock.
type RunState struct {
	mu sync.RWMutex

	ID             string
	Workflow       string
	Status         Status
	CurrentStep    string
	CompletedSteps []string
	Data           map[string]any
	StepResults    map[string]map[string]any
	Error          string
	StartedAt      time.Time
	CompletedAt    time.Time
}

func NewRunState(workflow, entrypoint string, input map[string]any) *RunState {
	data := make(map[string]any, len(input))
	for k, v := range input {
		data[k] = v
	}
	return &RunState{
		ID:          uuid.NewString(),
		Workflow:    workflow,
		Status:      StatusRunning,
		CurrentStep: entrypoint,
		Data:        data,
		StepResults: make(map[string]map[string]any),
		StartedAt:   time.Now(),
	}
}

// Snapshot returns a copy of the run's data mapping.
func (s *RunState) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.Data))
	for k, v := range s.Data {
		out[k] = v
	}
	return out
}

// CurrentStatus reads the run status.
func (s *RunState) CurrentStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Status
}

func (s *RunState) setStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = status
	if status == StatusCompleted || status == StatusFailed || status == StatusCancelled {
		s.CompletedAt = time.Now()
	}
}

func (s *RunState) recordStep(name string, result map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StepResults[name] = result
}

func (s *RunState) advance(next string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CompletedSteps = append(s.CompletedSteps, s.CurrentStep)
	s.CurrentStep = next
}

func (s *RunState) fail(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = StatusFailed
	s.Error = message
	s.CompletedAt = time.Now()
}

// mergeOutput folds a step's output into the run data, one reducer per key.
// Keys without a declared reducer are replaced.
func (s *RunState) mergeOutput(output map[string]any, reducers map[string]config.Reducer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, value := range output {
		s.Data[key] = reduce(reducers[key], s.Data[key], value)
	}
}

// reduce applies one reducer to an existing value and an incoming value.
func reduce(r config.Reducer, existing, incoming any) any {
	switch r {
	case config.ReducerAppend:
		var seq []any
		switch e := existing.(type) {
		case []any:
			seq = e
		case nil:
		default:
			seq = []any{e}
		}
		if in, ok := incoming.([]any); ok {
			return append(seq, in...)
		}
		return append(seq, incoming)

	case config.ReducerMerge:
		merged := make(map[string]any)
		if e, ok := existing.(map[string]any); ok {
			for k, v := range e {
				merged[k] = v
			}
		}
		if in, ok := incoming.(map[string]any); ok {
			for k, v := range in {
				merged[k] = v
			}
			return merged
		}
		return incoming

	case config.ReducerSum:
		return numeric(existing) + numeric(incoming)

	default:
		return incoming
	}
}

func numeric(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

// WorkflowError reports a workflow execution failure.
type WorkflowError struct {
	Workflow  string
	Step      string
	Operation string
	Message   string
	Err       error
}

func (e *WorkflowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[workflow:%s:%s] %s: %v", e.Workflow, e.Step, e.Message, e.Err)
	}
	return fmt.Sprintf("[workflow:%s:%s] %s", e.Workflow, e.Step, e.Message)
}

func (e *WorkflowError) Unwrap() error { return e.Err }

func NewWorkflowError(workflow, step, message string, err error) *WorkflowError {
	return &WorkflowError{Workflow: workflow, Step: step, Message: message, Err: err}
}
