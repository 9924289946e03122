package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// StepType classifies a workflow step.
type StepType string

const (
	StepAgent      StepType = "agent"
	StepApproval   StepType = "approval"
	StepValidation StepType = "validation"
	StepParallel   StepType = "parallel"
	StepJoin       StepType = "join"
	StepTerminal   StepType = "terminal"
)

// Reducer names the per-key merge rule applied when folding a step's output
// into workflow state.
type Reducer string

const (
	ReducerAppend  Reducer = "append"
	ReducerMerge   Reducer = "merge"
	ReducerSum     Reducer = "sum"
	ReducerReplace Reducer = "replace"
)

// JoinStrategy selects how many parallel branches a join waits for.
type JoinStrategy string

const (
	JoinAll      JoinStrategy = "all"
	JoinAny      JoinStrategy = "any"
	JoinMajority JoinStrategy = "majority"
)

// ValidatorType classifies a step validator.
type ValidatorType string

const (
	ValidatorFunction ValidatorType = "function"
	ValidatorLLM      ValidatorType = "llm"
	ValidatorScript   ValidatorType = "script"
)

// ValidatorConfig configures one validator attached to a step.
type ValidatorConfig struct {
	Type   ValidatorType `yaml:"type" json:"type"`
	Name   string        `yaml:"name,omitempty" json:"name,omitempty"`
	Model  string        `yaml:"model,omitempty" json:"model,omitempty"`
	Prompt string        `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	Script string        `yaml:"script,omitempty" json:"script,omitempty"`
}

// NextTarget is one entry in a conditional next list. A missing condition is
// the default branch.
type NextTarget struct {
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`
	Target    string `yaml:"target" json:"target"`
}

// Next is either a single target name or an ordered list of conditional
// targets; the first matching condition wins.
type Next struct {
	Targets []NextTarget
}

func (n *Next) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Value != "" {
			n.Targets = []NextTarget{{Target: node.Value}}
		}
		return nil
	case yaml.SequenceNode:
		return node.Decode(&n.Targets)
	default:
		return NewConfigError("Next", "Unmarshal", "next must be a step name or a list of targets", nil)
	}
}

func (n Next) MarshalYAML() (any, error) {
	if len(n.Targets) == 1 && n.Targets[0].Condition == "" {
		return n.Targets[0].Target, nil
	}
	return n.Targets, nil
}

// IsZero reports whether no next target is declared (terminal path).
func (n *Next) IsZero() bool { return len(n.Targets) == 0 }

// AutoApprove short-circuits an approval step when its condition holds.
type AutoApprove struct {
	Condition string `yaml:"condition" json:"condition"`
}

// BranchConfig is one branch of a parallel step: an ordered list of agent
// invocations.
type BranchConfig struct {
	Name   string   `yaml:"name" json:"name"`
	Agents []string `yaml:"agents" json:"agents"`
}

// JoinConfig configures the wait semantics of a parallel step.
type JoinConfig struct {
	Strategy JoinStrategy `yaml:"strategy,omitempty" json:"strategy,omitempty"`
}

// StepConfig is one node of the workflow step graph.
type StepConfig struct {
	Name        string            `yaml:"name" json:"name"`
	Type        StepType          `yaml:"type" json:"type"`
	Agent       string            `yaml:"agent,omitempty" json:"agent,omitempty"`
	Config      map[string]any    `yaml:"config,omitempty" json:"config,omitempty"`
	Branches    []BranchConfig    `yaml:"branches,omitempty" json:"branches,omitempty"`
	Join        *JoinConfig       `yaml:"join,omitempty" json:"join,omitempty"`
	Validators  []ValidatorConfig `yaml:"validators,omitempty" json:"validators,omitempty"`
	Approvers   []string          `yaml:"approvers,omitempty" json:"approvers,omitempty"`
	AutoApprove *AutoApprove      `yaml:"auto_approve,omitempty" json:"auto_approve,omitempty"`
	Status      string            `yaml:"status,omitempty" json:"status,omitempty"`
	Next        Next              `yaml:"next,omitempty" json:"next,omitempty"`
	Timeout     *Duration         `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// RetryPolicy configures workflow-level retries for failed agent steps.
type RetryPolicy struct {
	MaxAttempts int       `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	Backoff     *Duration `yaml:"backoff,omitempty" json:"backoff,omitempty"`
}

// WorkflowConfig describes a step graph with approvals and validators.
type WorkflowConfig struct {
	Name         string             `yaml:"name,omitempty" json:"name,omitempty"`
	Description  string             `yaml:"description,omitempty" json:"description,omitempty"`
	Entrypoint   string             `yaml:"entrypoint" json:"entrypoint"`
	Steps        []StepConfig       `yaml:"steps" json:"steps"`
	Reducers     map[string]Reducer `yaml:"reducers,omitempty" json:"reducers,omitempty"`
	ErrorHandler string             `yaml:"error_handler,omitempty" json:"error_handler,omitempty"`
	Retry        *RetryPolicy       `yaml:"retry,omitempty" json:"retry,omitempty"`
}

// Step returns the named step, if declared.
func (c *WorkflowConfig) Step(name string) (*StepConfig, bool) {
	for i := range c.Steps {
		if c.Steps[i].Name == name {
			return &c.Steps[i], true
		}
	}
	return nil, false
}

// Validate checks the workflow graph structurally at load time: the
// entrypoint exists, every next target exists, parallel steps declare
// branches, and reducer names are known.
func (c *WorkflowConfig) Validate() error {
	if c.Name == "" {
		return NewConfigError("WorkflowConfig", "Validate", "name is required", nil)
	}
	if len(c.Steps) == 0 {
		return NewConfigError("WorkflowConfig", "Validate", "workflow requires at least one step", nil)
	}

	names := make(map[string]bool, len(c.Steps))
	for _, s := range c.Steps {
		if s.Name == "" {
			return NewConfigError("WorkflowConfig", "Validate", "step name is required", nil)
		}
		if names[s.Name] {
			return NewConfigError("WorkflowConfig", "Validate",
				fmt.Sprintf("duplicate step %q", s.Name), nil)
		}
		names[s.Name] = true
	}

	if c.Entrypoint == "" || !names[c.Entrypoint] {
		return NewConfigError("WorkflowConfig", "Validate",
			fmt.Sprintf("entrypoint %q not found", c.Entrypoint), nil)
	}
	if c.ErrorHandler != "" && !names[c.ErrorHandler] {
		return NewConfigError("WorkflowConfig", "Validate",
			fmt.Sprintf("error_handler %q not found", c.ErrorHandler), nil)
	}

	hasTerminal := false
	for _, s := range c.Steps {
		switch s.Type {
		case StepAgent:
			if s.Agent == "" {
				return NewConfigError("WorkflowConfig", "Validate",
					fmt.Sprintf("step %q: agent steps require an agent", s.Name), nil)
			}
		case StepParallel:
			if len(s.Branches) == 0 {
				return NewConfigError("WorkflowConfig", "Validate",
					fmt.Sprintf("step %q: parallel steps require at least one branch", s.Name), nil)
			}
		case StepTerminal:
			hasTerminal = true
		case StepApproval, StepValidation, StepJoin:
		default:
			return NewConfigError("WorkflowConfig", "Validate",
				fmt.Sprintf("step %q: unknown type %q", s.Name, s.Type), nil)
		}

		for _, t := range s.Next.Targets {
			if !names[t.Target] {
				return NewConfigError("WorkflowConfig", "Validate",
					fmt.Sprintf("step %q: next target %q not found", s.Name, t.Target), nil)
			}
		}
	}
	if !hasTerminal {
		return NewConfigError("WorkflowConfig", "Validate", "workflow requires a terminal step", nil)
	}

	for key, r := range c.Reducers {
		switch r {
		case ReducerAppend, ReducerMerge, ReducerSum, ReducerReplace:
		default:
			return NewConfigError("WorkflowConfig", "Validate",
				fmt.Sprintf("unknown reducer %q for key %q", r, key), nil)
		}
	}

	return nil
}
