// Package flow executes event-driven node graphs: wave-by-wave traversal
// from a trigger event through transform, agent, messaging, and gate nodes.
package flow

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of one flow execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusWaiting   Status = "waiting"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// NodeStatus is the per-node execution state.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

// NodeRecord captures one node's execution outcome.
type NodeRecord struct {
	Status   NodeStatus     `json:"status"`
	Output   map[string]any `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// State is the mutable state of one flow execution.
type State struct {
	mu sync.RWMutex

	ID          string
	Flow        string
	Status      Status
	Variables   map[string]any
	Nodes       map[string]*NodeRecord
	WaitingNode string
	Error       string
	StartedAt   time.Time
	CompletedAt time.Time
}

// NewState seeds the execution state with the trigger data under both the
// trigger and event keys.
func NewState(flow string, triggerData map[string]any) *State {
	return &State{
		ID:     uuid.NewString(),
		Flow:   flow,
		Status: StatusRunning,
		Variables: map[string]any{
			"trigger": triggerData,
			"event":   triggerData,
		},
		Nodes:     make(map[string]*NodeRecord),
		StartedAt: time.Now(),
	}
}

// SetVariable stores one variable.
func (s *State) SetVariable(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Variables[key] = value
}

// VariablesSnapshot returns a copy of the variable mapping.
func (s *State) VariablesSnapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.Variables))
	for k, v := range s.Variables {
		out[k] = v
	}
	return out
}

// CurrentStatus reads the flow status.
func (s *State) CurrentStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Status
}

// Node returns the record for one node id.
func (s *State) Node(id string) (*NodeRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.Nodes[id]
	return rec, ok
}

func (s *State) recordNode(id string, rec *NodeRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Nodes[id] = rec
	if rec.Output != nil {
		s.Variables[id] = anyMap(rec.Output)
	}
}

func anyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *State) setStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = status
	if status == StatusCompleted || status == StatusFailed {
		s.CompletedAt = time.Now()
	}
}

func (s *State) fail(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = StatusFailed
	s.Error = message
	s.CompletedAt = time.Now()
}

func (s *State) wait(node string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = StatusWaiting
	s.WaitingNode = node
}

// FlowError reports a flow execution failure.
type FlowError struct {
	Flow    string
	Node    string
	Message string
	Err     error
}

func (e *FlowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[flow:%s:%s] %s: %v", e.Flow, e.Node, e.Message, e.Err)
	}
	return fmt.Sprintf("[flow:%s:%s] %s", e.Flow, e.Node, e.Message)
}

func (e *FlowError) Unwrap() error { return e.Err }

func NewFlowError(flow, node, message string, err error) *FlowError {
	return &FlowError{Flow: flow, Node: node, Message: message, Err: err}
}
