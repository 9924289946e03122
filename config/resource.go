// Package config defines the declarative resource model: agents, fleets,
// workflows, agent flows, and triggers, loaded from Kubernetes-style YAML
// envelopes.
package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// APIVersion is the only resource apiVersion this build understands.
const APIVersion = "aof.dev/v1"

// Resource kinds.
const (
	KindAgent     = "Agent"
	KindFleet     = "Fleet"
	KindWorkflow  = "Workflow"
	KindAgentFlow = "AgentFlow"
	KindTrigger   = "Trigger"
)

// Metadata names and labels a resource.
type Metadata struct {
	Name        string            `yaml:"name" json:"name"`
	Labels      map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
	Annotations map[string]string `yaml:"annotations,omitempty" json:"annotations,omitempty"`
}

// Resource is the envelope every config file uses. Spec is decoded lazily
// by kind.
type Resource struct {
	APIVersion string    `yaml:"apiVersion" json:"apiVersion"`
	Kind       string    `yaml:"kind" json:"kind"`
	Metadata   Metadata  `yaml:"metadata" json:"metadata"`
	Spec       yaml.Node `yaml:"spec" json:"-"`
}

// ConfigError reports an invalid or unparseable configuration. It is fatal
// to the operation that triggered the load, never to the process.
type ConfigError struct {
	Component string
	Operation string
	Message   string
	Err       error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, e.Message)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func NewConfigError(component, operation, message string, err error) *ConfigError {
	return &ConfigError{Component: component, Operation: operation, Message: message, Err: err}
}

// Validate checks the envelope itself; spec validation is per kind.
func (r *Resource) Validate() error {
	if r.APIVersion != "" && r.APIVersion != APIVersion {
		return NewConfigError("Resource", "Validate",
			fmt.Sprintf("unsupported apiVersion %q (want %q)", r.APIVersion, APIVersion), nil)
	}
	switch r.Kind {
	case KindAgent, KindFleet, KindWorkflow, KindAgentFlow, KindTrigger:
	default:
		return NewConfigError("Resource", "Validate", fmt.Sprintf("unknown kind %q", r.Kind), nil)
	}
	if r.Metadata.Name == "" {
		return NewConfigError("Resource", "Validate", "metadata.name is required", nil)
	}
	return nil
}

// DecodeSpec unmarshals the spec node into the kind-specific config struct.
func (r *Resource) DecodeSpec(out any) error {
	if r.Spec.Kind == 0 {
		return NewConfigError("Resource", "DecodeSpec", "spec is empty", nil)
	}
	if err := r.Spec.Decode(out); err != nil {
		return NewConfigError("Resource", "DecodeSpec", "invalid spec", err)
	}
	return nil
}
