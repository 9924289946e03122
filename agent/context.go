package agent

import (
	"sync"

	"github.com/aofdev/aof/llms"
)

// ExecutionMetadata accumulates counters for one agent execution.
type ExecutionMetadata struct {
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	WallTimeMs   int64  `json:"wall_time_ms"`
	ToolCalls    int    `json:"tool_calls"`
	Model        string `json:"model"`
}

// AgentContext carries the state of one agent execution. Messages are
// append-only for the duration of the run.
type AgentContext struct {
	Input    string
	Messages []llms.Message
	Metadata ExecutionMetadata

	mu          sync.Mutex
	state       map[string]any
	toolResults []string
}

func NewAgentContext(input string) *AgentContext {
	return &AgentContext{
		Input: input,
		state: make(map[string]any),
	}
}

// SetState stores an opaque state value.
func (c *AgentContext) SetState(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state[key] = value
}

// State reads an opaque state value.
func (c *AgentContext) State(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.state[key]
	return v, ok
}

// RecordToolResult accumulates a serialised tool result.
func (c *AgentContext) RecordToolResult(data string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toolResults = append(c.toolResults, data)
	c.Metadata.ToolCalls++
}

// ToolResults returns the accumulated tool results in call order.
func (c *AgentContext) ToolResults() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.toolResults))
	copy(out, c.toolResults)
	return out
}
