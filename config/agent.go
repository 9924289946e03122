package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults for agent execution.
const (
	DefaultMaxIterations      = 10
	DefaultMaxContextMessages = 10
)

// AgentConfig configures one agent: its model, tools, memory, and prompt.
type AgentConfig struct {
	// Name is the unique agent identifier within a registry.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Description is a human-readable summary, surfaced to managers and
	// command listings.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Model identifies the model, optionally in "provider:model" form.
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// Provider names the model provider when Model carries no prefix.
	// At most one of the two notations may be used.
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`

	// SystemPrompt is prepended to every conversation.
	SystemPrompt string `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`

	// Tools the agent may call, in catalogue order.
	Tools []ToolSpec `yaml:"tools,omitempty" json:"tools,omitempty"`

	// MCPServers lists external tool servers.
	MCPServers []McpServerSpec `yaml:"mcp_servers,omitempty" json:"mcp_servers,omitempty"`

	// Memory configures conversation persistence across executions.
	Memory *MemorySpec `yaml:"memory,omitempty" json:"memory,omitempty"`

	MaxIterations      int      `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
	MaxContextMessages int      `yaml:"max_context_messages,omitempty" json:"max_context_messages,omitempty"`
	Temperature        *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens          int      `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`

	// Extras carries free-form provider or deployment specific settings.
	Extras map[string]any `yaml:"extras,omitempty" json:"extras,omitempty"`
}

// ApplyDefaults fills zero values with spec defaults.
func (c *AgentConfig) ApplyDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.MaxContextMessages <= 0 {
		c.MaxContextMessages = DefaultMaxContextMessages
	}
}

// Validate checks the agent invariants.
func (c *AgentConfig) Validate() error {
	if c.Name == "" {
		return NewConfigError("AgentConfig", "Validate", "name is required", nil)
	}
	if c.Provider != "" && strings.Contains(c.Model, ":") {
		return NewConfigError("AgentConfig", "Validate",
			"use either provider:model notation or a separate provider field, not both", nil)
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 1) {
		return NewConfigError("AgentConfig", "Validate",
			fmt.Sprintf("temperature %v out of range [0,1]", *c.Temperature), nil)
	}
	if c.Memory != nil {
		if err := c.Memory.Validate(); err != nil {
			return err
		}
	}
	seen := make(map[string]bool)
	for _, srv := range c.MCPServers {
		if srv.Name == "" {
			return NewConfigError("AgentConfig", "Validate", "mcp server name is required", nil)
		}
		if seen[srv.Name] {
			return NewConfigError("AgentConfig", "Validate",
				fmt.Sprintf("duplicate mcp server %q", srv.Name), nil)
		}
		seen[srv.Name] = true
		if err := srv.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ToolSource identifies where a tool is implemented.
type ToolSource string

const (
	ToolSourceBuiltin ToolSource = "builtin"
	ToolSourceMCP     ToolSource = "mcp"
)

// ToolSpec configures one tool binding. In YAML it may be a bare string
// (the tool name, builtin source, enabled) or a full mapping.
type ToolSpec struct {
	Name    string         `yaml:"name" json:"name"`
	Source  ToolSource     `yaml:"source,omitempty" json:"source,omitempty"`
	Server  string         `yaml:"server,omitempty" json:"server,omitempty"`
	Config  map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
	Enabled *bool          `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Timeout *Duration      `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// IsEnabled reports whether the tool is active; tools default to enabled.
func (t *ToolSpec) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

func (t *ToolSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		t.Name = node.Value
		t.Source = ToolSourceBuiltin
		return nil
	}

	type rawToolSpec ToolSpec
	var raw rawToolSpec
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*t = ToolSpec(raw)
	if t.Source == "" {
		t.Source = ToolSourceBuiltin
	}
	if t.Source != ToolSourceBuiltin && t.Source != ToolSourceMCP {
		return NewConfigError("ToolSpec", "Unmarshal",
			fmt.Sprintf("unknown tool source %q", t.Source), nil)
	}
	return nil
}

// MCP transport types.
const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"
	TransportHTTP  = "http"
)

// McpServerSpec configures one MCP tool server attached to an agent.
type McpServerSpec struct {
	Name          string            `yaml:"name" json:"name"`
	Transport     string            `yaml:"transport" json:"transport"`
	Command       string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args          []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env           map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Endpoint      string            `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	InitOptions   map[string]any    `yaml:"init_options,omitempty" json:"init_options,omitempty"`
	ToolFilter    []string          `yaml:"tool_filter,omitempty" json:"tool_filter,omitempty"`
	AutoReconnect bool              `yaml:"auto_reconnect,omitempty" json:"auto_reconnect,omitempty"`
}

func (s *McpServerSpec) Validate() error {
	switch s.Transport {
	case TransportStdio:
		if s.Command == "" {
			return NewConfigError("McpServerSpec", "Validate",
				fmt.Sprintf("server %q: stdio transport requires a command", s.Name), nil)
		}
	case TransportSSE, TransportHTTP:
		if s.Endpoint == "" {
			return NewConfigError("McpServerSpec", "Validate",
				fmt.Sprintf("server %q: %s transport requires an endpoint", s.Name, s.Transport), nil)
		}
	default:
		return NewConfigError("McpServerSpec", "Validate",
			fmt.Sprintf("server %q: unknown transport %q", s.Name, s.Transport), nil)
	}
	return nil
}

// Memory backend types.
const (
	MemoryInMemory = "in-memory"
	MemoryFile     = "file"
	MemoryRedis    = "redis"
	MemorySQLite   = "sqlite"
	MemoryPostgres = "postgres"
)

// MemorySpec configures the agent's conversation memory backend. In YAML it
// may be a bare string (the backend type) or a full mapping.
type MemorySpec struct {
	Backend     string    `yaml:"backend" json:"backend"`
	Path        string    `yaml:"path,omitempty" json:"path,omitempty"`
	URL         string    `yaml:"url,omitempty" json:"url,omitempty"`
	Namespace   string    `yaml:"namespace,omitempty" json:"namespace,omitempty"`
	TTL         *Duration `yaml:"ttl,omitempty" json:"ttl,omitempty"`
	MaxMessages int       `yaml:"max_messages,omitempty" json:"max_messages,omitempty"`
}

func (m *MemorySpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		m.Backend = node.Value
		return nil
	}
	type rawMemorySpec MemorySpec
	var raw rawMemorySpec
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*m = MemorySpec(raw)
	return nil
}

func (m *MemorySpec) Validate() error {
	switch m.Backend {
	case MemoryInMemory, MemoryRedis, MemorySQLite, MemoryPostgres:
	case MemoryFile:
		if m.Path == "" {
			return NewConfigError("MemorySpec", "Validate", "file memory requires a path", nil)
		}
	default:
		return NewConfigError("MemorySpec", "Validate",
			fmt.Sprintf("unknown memory backend %q", m.Backend), nil)
	}
	return nil
}
