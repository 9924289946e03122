package config

import (
	"fmt"
)

// CommandTargetKind names what a slash command dispatches to.
type CommandTargetKind string

const (
	CommandTargetAgent CommandTargetKind = "agent"
	CommandTargetFleet CommandTargetKind = "fleet"
	CommandTargetFlow  CommandTargetKind = "flow"
)

// CommandBinding maps a slash command to an agent, fleet, or flow.
type CommandBinding struct {
	Kind        CommandTargetKind `yaml:"kind" json:"kind"`
	Target      string            `yaml:"target" json:"target"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
}

// TriggerConfig describes one inbound message source: a chat platform,
// webhook, or schedule, with credential/filter config and command bindings.
type TriggerConfig struct {
	Name     string            `yaml:"name,omitempty" json:"name,omitempty"`
	Platform string            `yaml:"platform" json:"platform"`
	// Credentials holds platform secrets; ${VAR} values are expanded at
	// load time.
	Credentials map[string]string `yaml:"credentials,omitempty" json:"credentials,omitempty"`
	// Filters restricts accepted workspaces/channels/users.
	Filters struct {
		Workspaces []string `yaml:"workspaces,omitempty" json:"workspaces,omitempty"`
		Channels   []string `yaml:"channels,omitempty" json:"channels,omitempty"`
		Users      []string `yaml:"users,omitempty" json:"users,omitempty"`
	} `yaml:"filters,omitempty" json:"filters,omitempty"`
	// Approvers may approve pending command approvals via reactions.
	Approvers []string `yaml:"approvers,omitempty" json:"approvers,omitempty"`
	// Commands maps slash commands (without the slash) to targets.
	Commands map[string]CommandBinding `yaml:"commands,omitempty" json:"commands,omitempty"`
	// DefaultAgent handles natural-language messages with no other route.
	DefaultAgent string `yaml:"default_agent,omitempty" json:"default_agent,omitempty"`
	// AutoAck posts an immediate "Processing..." reply before dispatch.
	AutoAck bool `yaml:"auto_ack,omitempty" json:"auto_ack,omitempty"`
	// Schedule is the cron expression for schedule-platform triggers.
	Schedule string `yaml:"schedule,omitempty" json:"schedule,omitempty"`
	// Input is the synthetic message text a schedule trigger emits.
	Input string `yaml:"input,omitempty" json:"input,omitempty"`
}

// Validate checks the trigger config and expands credential env references.
func (c *TriggerConfig) Validate() error {
	if c.Name == "" {
		return NewConfigError("TriggerConfig", "Validate", "name is required", nil)
	}
	if c.Platform == "" {
		return NewConfigError("TriggerConfig", "Validate", "platform is required", nil)
	}
	for cmd, binding := range c.Commands {
		switch binding.Kind {
		case CommandTargetAgent, CommandTargetFleet, CommandTargetFlow:
		default:
			return NewConfigError("TriggerConfig", "Validate",
				fmt.Sprintf("command %q: unknown target kind %q", cmd, binding.Kind), nil)
		}
		if binding.Target == "" {
			return NewConfigError("TriggerConfig", "Validate",
				fmt.Sprintf("command %q: target is required", cmd), nil)
		}
	}
	ExpandEnvMap(c.Credentials)
	return nil
}
