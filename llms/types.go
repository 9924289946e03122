// Package llms defines the model boundary the kernel calls out to and the
// bundled reference providers (anthropic, openai, ollama).
package llms

import (
	"context"
	"fmt"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one conversation element.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// ToolCalls is set on assistant messages requesting tool use.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID links a tool-role message to the call it answers.
	// Required iff Role == "tool".
	ToolCallID string `json:"tool_call_id,omitempty"`
	// Name is the tool name on tool-role messages.
	Name string `json:"name,omitempty"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDefinition advertises a callable tool to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Completion is a model turn: either final (text, no tool calls) or
// tool-requesting (at least one tool call).
type Completion struct {
	Text      string     `json:"text,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// IsFinal reports whether the completion carries no tool calls.
func (c *Completion) IsFinal() bool { return len(c.ToolCalls) == 0 }

// Options tunes one model invocation.
type Options struct {
	Temperature *float64
	MaxTokens   int
}

// ChunkSink receives incremental text deltas from streaming-capable
// providers. A nil sink disables streaming.
type ChunkSink func(text string)

// Provider is the model boundary. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// Model returns the configured model identifier.
	Model() string

	// Invoke sends the conversation and tool catalogue and returns one
	// completion.
	Invoke(ctx context.Context, messages []Message, tools []ToolDefinition, opts Options) (*Completion, error)
}

// StreamingProvider extends Provider with incremental text delivery.
type StreamingProvider interface {
	Provider

	// InvokeStreaming behaves like Invoke but forwards text deltas to the
	// sink as they arrive.
	InvokeStreaming(ctx context.Context, messages []Message, tools []ToolDefinition, opts Options, sink ChunkSink) (*Completion, error)
}

// ModelErrorKind classifies provider failures.
type ModelErrorKind string

const (
	ModelErrorRateLimit ModelErrorKind = "rate_limit"
	ModelErrorAuth      ModelErrorKind = "auth"
	ModelErrorBadInput  ModelErrorKind = "bad_input"
	ModelErrorTransient ModelErrorKind = "transient"
	ModelErrorInternal  ModelErrorKind = "internal"
)

// ModelError reports a provider failure. Retryable errors are retried once
// by the agent executor.
type ModelError struct {
	Provider  string
	Kind      ModelErrorKind
	Message   string
	Retryable bool
	Err       error
}

func (e *ModelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Provider, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Provider, e.Kind, e.Message)
}

func (e *ModelError) Unwrap() error { return e.Err }

func NewModelError(provider string, kind ModelErrorKind, message string, retryable bool, err error) *ModelError {
	return &ModelError{Provider: provider, Kind: kind, Message: message, Retryable: retryable, Err: err}
}
