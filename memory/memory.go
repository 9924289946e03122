// Package memory provides conversation persistence backends for agents:
// an in-memory ring, JSONL files, redis, sqlite, and postgres.
package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/aofdev/aof/config"
	"github.com/aofdev/aof/llms"
)

// DefaultMaxMessages caps a memory namespace when the spec names no cap.
const DefaultMaxMessages = 200

// Memory persists conversation messages across agent executions.
// Implementations must be safe for concurrent use.
type Memory interface {
	// Append stores one message.
	Append(ctx context.Context, msg llms.Message) error

	// Recent returns up to n messages, most-recent-last.
	Recent(ctx context.Context, n int) ([]llms.Message, error)

	// Clear removes all stored messages.
	Clear(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// MemoryError reports a memory backend failure.
type MemoryError struct {
	Component string
	Operation string
	Message   string
	Err       error
}

func (e *MemoryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, e.Message)
}

func (e *MemoryError) Unwrap() error { return e.Err }

func NewMemoryError(component, operation, message string, err error) *MemoryError {
	return &MemoryError{Component: component, Operation: operation, Message: message, Err: err}
}

// New builds a memory backend from its spec.
func New(spec *config.MemorySpec) (Memory, error) {
	if spec == nil {
		return nil, nil
	}
	maxMessages := spec.MaxMessages
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	var ttl time.Duration
	if spec.TTL != nil {
		ttl = spec.TTL.Duration()
	}

	switch spec.Backend {
	case config.MemoryInMemory:
		return NewInMemory(maxMessages), nil
	case config.MemoryFile:
		return NewFileMemory(spec.Path, maxMessages)
	case config.MemoryRedis:
		return NewRedisMemory(spec.URL, spec.Namespace, maxMessages, ttl)
	case config.MemorySQLite:
		return NewSQLiteMemory(spec.Path, spec.Namespace, maxMessages)
	case config.MemoryPostgres:
		return NewPostgresMemory(spec.URL, spec.Namespace, maxMessages)
	default:
		return nil, NewMemoryError("Memory", "New",
			fmt.Sprintf("unknown memory backend %q", spec.Backend), nil)
	}
}
