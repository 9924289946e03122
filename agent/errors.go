package agent

import "fmt"

// AgentErrorKind classifies agent execution failures.
type AgentErrorKind string

const (
	ErrIterationsExceeded AgentErrorKind = "iterations_exceeded"
	ErrCancelled          AgentErrorKind = "cancelled"
	ErrModelFailure       AgentErrorKind = "model_failure"
	ErrAlreadyExists      AgentErrorKind = "already_exists_and_busy"
	ErrNotFound           AgentErrorKind = "not_found"
	ErrInternal           AgentErrorKind = "internal"
)

// AgentError reports an agent or registry failure.
type AgentError struct {
	Agent   string
	Kind    AgentErrorKind
	Message string
	Err     error
}

func (e *AgentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[agent:%s:%s] %s: %v", e.Agent, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[agent:%s:%s] %s", e.Agent, e.Kind, e.Message)
}

func (e *AgentError) Unwrap() error { return e.Err }

func NewAgentError(agent string, kind AgentErrorKind, message string, err error) *AgentError {
	return &AgentError{Agent: agent, Kind: kind, Message: message, Err: err}
}
