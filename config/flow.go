package config

import (
	"fmt"
)

// NodeType classifies an agent-flow node.
type NodeType string

const (
	NodeTransform   NodeType = "transform"
	NodeAgent       NodeType = "agent"
	NodeConditional NodeType = "conditional"
	NodeSlack       NodeType = "slack"
	NodeDiscord     NodeType = "discord"
	NodeHTTP        NodeType = "http"
	NodeWait        NodeType = "wait"
	NodeParallel    NodeType = "parallel"
	NodeJoin        NodeType = "join"
	NodeApproval    NodeType = "approval"
	NodeEnd         NodeType = "end"
)

// NodeCondition gates a node on a prior node's recorded result or reaction.
type NodeCondition struct {
	From     string `yaml:"from" json:"from"`
	Value    string `yaml:"value,omitempty" json:"value,omitempty"`
	Reaction string `yaml:"reaction,omitempty" json:"reaction,omitempty"`
}

// FlowNode is one node of an event-driven flow graph.
type FlowNode struct {
	ID         string          `yaml:"id" json:"id"`
	Type       NodeType        `yaml:"type" json:"type"`
	Config     map[string]any  `yaml:"config,omitempty" json:"config,omitempty"`
	Conditions []NodeCondition `yaml:"conditions,omitempty" json:"conditions,omitempty"`
}

// FlowConnection is a directed edge, optionally gated by a when expression.
type FlowConnection struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
	When string `yaml:"when,omitempty" json:"when,omitempty"`
}

// FlowContext carries process-wide environment a flow's agent nodes run
// under. Applying it mutates process state, serialized by the executor.
type FlowContext struct {
	Kubeconfig string            `yaml:"kubeconfig,omitempty" json:"kubeconfig,omitempty"`
	Namespace  string            `yaml:"namespace,omitempty" json:"namespace,omitempty"`
	Cluster    string            `yaml:"cluster,omitempty" json:"cluster,omitempty"`
	WorkingDir string            `yaml:"working_dir,omitempty" json:"working_dir,omitempty"`
	Env        map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// FlowTrigger describes what messages a flow should claim, scored by the
// flow router: platform must match, then channels/users/patterns add score.
type FlowTrigger struct {
	Platform string   `yaml:"platform" json:"platform"`
	Channels []string `yaml:"channels,omitempty" json:"channels,omitempty"`
	Users    []string `yaml:"users,omitempty" json:"users,omitempty"`
	Patterns []string `yaml:"patterns,omitempty" json:"patterns,omitempty"`
}

// FlowConfig describes a trigger→node graph.
type FlowConfig struct {
	Name        string           `yaml:"name,omitempty" json:"name,omitempty"`
	Description string           `yaml:"description,omitempty" json:"description,omitempty"`
	Trigger     FlowTrigger      `yaml:"trigger" json:"trigger"`
	Nodes       []FlowNode       `yaml:"nodes" json:"nodes"`
	Connections []FlowConnection `yaml:"connections,omitempty" json:"connections,omitempty"`
	Context     *FlowContext     `yaml:"context,omitempty" json:"context,omitempty"`
}

// Node returns the node with the given id, if declared.
func (c *FlowConfig) Node(id string) (*FlowNode, bool) {
	for i := range c.Nodes {
		if c.Nodes[i].ID == id {
			return &c.Nodes[i], true
		}
	}
	return nil, false
}

// Validate checks the node graph structurally.
func (c *FlowConfig) Validate() error {
	if c.Name == "" {
		return NewConfigError("FlowConfig", "Validate", "name is required", nil)
	}
	if len(c.Nodes) == 0 {
		return NewConfigError("FlowConfig", "Validate", "flow requires at least one node", nil)
	}

	ids := make(map[string]bool, len(c.Nodes))
	for _, n := range c.Nodes {
		if n.ID == "" {
			return NewConfigError("FlowConfig", "Validate", "node id is required", nil)
		}
		if ids[n.ID] {
			return NewConfigError("FlowConfig", "Validate",
				fmt.Sprintf("duplicate node %q", n.ID), nil)
		}
		ids[n.ID] = true

		switch n.Type {
		case NodeTransform, NodeAgent, NodeConditional, NodeSlack, NodeDiscord,
			NodeHTTP, NodeWait, NodeParallel, NodeJoin, NodeApproval, NodeEnd:
		default:
			return NewConfigError("FlowConfig", "Validate",
				fmt.Sprintf("node %q: unknown type %q", n.ID, n.Type), nil)
		}
	}

	for _, conn := range c.Connections {
		// "trigger" is the synthetic source node.
		if conn.From != "trigger" && !ids[conn.From] {
			return NewConfigError("FlowConfig", "Validate",
				fmt.Sprintf("connection from unknown node %q", conn.From), nil)
		}
		if !ids[conn.To] {
			return NewConfigError("FlowConfig", "Validate",
				fmt.Sprintf("connection to unknown node %q", conn.To), nil)
		}
	}

	return nil
}
