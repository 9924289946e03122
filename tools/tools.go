// Package tools implements the tool boundary: builtin system tools executed
// locally and MCP-backed tools reached over stdio, sse, or http transports.
package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/aofdev/aof/config"
	"github.com/aofdev/aof/llms"
)

// DefaultToolTimeout bounds a single tool execution.
const DefaultToolTimeout = 120 * time.Second

// Result is the outcome of one tool execution. Executors never return a Go
// error for tool-level failures; those are carried in ErrorText with OK=false
// so the model can react to them.
type Result struct {
	OK        bool          `json:"ok"`
	Data      string        `json:"data,omitempty"`
	ErrorText string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Text returns the serialised form appended as a tool-role message.
func (r Result) Text() string {
	if r.OK {
		return r.Data
	}
	return fmt.Sprintf("tool error: %s", r.ErrorText)
}

func errorResult(start time.Time, format string, args ...any) Result {
	return Result{
		OK:        false,
		ErrorText: fmt.Sprintf(format, args...),
		Duration:  time.Since(start),
	}
}

// Executor is the tool boundary consumed by the agent executor.
// Implementations must be safe for concurrent use and must not panic;
// failures become non-ok results.
type Executor interface {
	// ListTools returns the tool catalogue advertised to the model.
	ListTools(ctx context.Context) ([]llms.ToolDefinition, error)

	// Execute runs one tool by name.
	Execute(ctx context.Context, name string, args map[string]any) Result

	// Close releases connections and child processes.
	Close() error
}

// ToolError reports a tool system failure.
type ToolError struct {
	Component string
	Operation string
	Message   string
	Err       error
}

func (e *ToolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, e.Message)
}

func (e *ToolError) Unwrap() error { return e.Err }

func NewToolError(component, operation, message string, err error) *ToolError {
	return &ToolError{Component: component, Operation: operation, Message: message, Err: err}
}

// systemTools are the builtin tool names servable without an MCP server.
var systemTools = map[string]bool{
	"execute_command": true,
	"write_file":      true,
}

// IsSystemTool reports whether name is a builtin system tool.
func IsSystemTool(name string) bool { return systemTools[name] }

// ForAgent builds the executor an agent config calls for. With MCP servers
// configured it aggregates them into one multi-server executor. With only
// known system tools it stays local. Anything else falls back to a single
// legacy MCP endpoint taken from extras.
func ForAgent(cfg *config.AgentConfig) (Executor, error) {
	if len(cfg.MCPServers) > 0 {
		return NewMCPExecutor(cfg.MCPServers)
	}

	allLocal := true
	for _, t := range cfg.Tools {
		if !t.IsEnabled() {
			continue
		}
		if t.Source == config.ToolSourceMCP || !IsSystemTool(t.Name) {
			allLocal = false
			break
		}
	}
	if allLocal {
		return NewLocalExecutor(cfg.Tools)
	}

	endpoint, _ := cfg.Extras["mcp_endpoint"].(string)
	if endpoint == "" {
		return nil, NewToolError("ForAgent", "Build",
			fmt.Sprintf("agent %q references non-builtin tools but configures no mcp_servers and no mcp_endpoint extra", cfg.Name), nil)
	}
	return NewMCPExecutor([]config.McpServerSpec{{
		Name:      "default",
		Transport: config.TransportHTTP,
		Endpoint:  endpoint,
	}})
}
