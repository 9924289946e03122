package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseResource parses one YAML document into an envelope. Legacy flat agent
// files (no kind) are hoisted into an Agent envelope.
func ParseResource(data []byte) (*Resource, error) {
	var res Resource
	if err := yaml.Unmarshal(data, &res); err != nil {
		return nil, NewConfigError("Config", "ParseResource", "invalid YAML", err)
	}

	if res.Kind == "" {
		// Legacy flat agent form: the whole document is the spec.
		var agentCfg AgentConfig
		if err := yaml.Unmarshal(data, &agentCfg); err != nil {
			return nil, NewConfigError("Config", "ParseResource", "invalid agent config", err)
		}
		if agentCfg.Name == "" {
			return nil, NewConfigError("Config", "ParseResource",
				"document has neither kind nor an agent name", nil)
		}
		var specNode yaml.Node
		if err := specNode.Encode(&agentCfg); err != nil {
			return nil, NewConfigError("Config", "ParseResource", "failed to re-encode legacy agent", err)
		}
		res = Resource{
			APIVersion: APIVersion,
			Kind:       KindAgent,
			Metadata:   Metadata{Name: agentCfg.Name},
			Spec:       specNode,
		}
	}

	if err := res.Validate(); err != nil {
		return nil, err
	}
	return &res, nil
}

// LoadResource reads and parses a resource file.
func LoadResource(path string) (*Resource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewConfigError("Config", "LoadResource",
			fmt.Sprintf("failed to read %s", path), err)
	}
	return ParseResource(data)
}

// AgentFromResource decodes, names, defaults, and validates an Agent spec.
func AgentFromResource(res *Resource) (*AgentConfig, error) {
	if res.Kind != KindAgent {
		return nil, NewConfigError("Config", "AgentFromResource",
			fmt.Sprintf("expected kind Agent, got %s", res.Kind), nil)
	}
	var cfg AgentConfig
	if err := res.DecodeSpec(&cfg); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = res.Metadata.Name
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FleetFromResource decodes, names, defaults, and validates a Fleet spec.
func FleetFromResource(res *Resource) (*FleetConfig, error) {
	if res.Kind != KindFleet {
		return nil, NewConfigError("Config", "FleetFromResource",
			fmt.Sprintf("expected kind Fleet, got %s", res.Kind), nil)
	}
	var cfg FleetConfig
	if err := res.DecodeSpec(&cfg); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = res.Metadata.Name
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WorkflowFromResource decodes, names, and validates a Workflow spec.
func WorkflowFromResource(res *Resource) (*WorkflowConfig, error) {
	if res.Kind != KindWorkflow {
		return nil, NewConfigError("Config", "WorkflowFromResource",
			fmt.Sprintf("expected kind Workflow, got %s", res.Kind), nil)
	}
	var cfg WorkflowConfig
	if err := res.DecodeSpec(&cfg); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = res.Metadata.Name
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FlowFromResource decodes, names, and validates an AgentFlow spec.
func FlowFromResource(res *Resource) (*FlowConfig, error) {
	if res.Kind != KindAgentFlow {
		return nil, NewConfigError("Config", "FlowFromResource",
			fmt.Sprintf("expected kind AgentFlow, got %s", res.Kind), nil)
	}
	var cfg FlowConfig
	if err := res.DecodeSpec(&cfg); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = res.Metadata.Name
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// TriggerFromResource decodes, names, and validates a Trigger spec.
func TriggerFromResource(res *Resource) (*TriggerConfig, error) {
	if res.Kind != KindTrigger {
		return nil, NewConfigError("Config", "TriggerFromResource",
			fmt.Sprintf("expected kind Trigger, got %s", res.Kind), nil)
	}
	var cfg TriggerConfig
	if err := res.DecodeSpec(&cfg); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = res.Metadata.Name
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDirectory parses every *.yaml/*.yml file in dir whose kind matches,
// returning resources indexed by metadata name. Files of other kinds are
// skipped silently; unparseable files are reported.
func LoadDirectory(dir, kind string) (map[string]*Resource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, NewConfigError("Config", "LoadDirectory",
			fmt.Sprintf("failed to read directory %s", dir), err)
	}

	resources := make(map[string]*Resource)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		res, err := LoadResource(path)
		if err != nil {
			return nil, NewConfigError("Config", "LoadDirectory",
				fmt.Sprintf("failed to load %s", path), err)
		}
		if res.Kind != kind {
			continue
		}
		if _, exists := resources[res.Metadata.Name]; exists {
			return nil, NewConfigError("Config", "LoadDirectory",
				fmt.Sprintf("duplicate %s %q in %s", kind, res.Metadata.Name, dir), nil)
		}
		resources[res.Metadata.Name] = res
	}
	return resources, nil
}

// EmitResource renders a resource back to YAML. Round-tripping a normalized
// config through ParseResource yields an equal config.
func EmitResource(kind, name string, spec any) ([]byte, error) {
	var specNode yaml.Node
	if err := specNode.Encode(spec); err != nil {
		return nil, NewConfigError("Config", "EmitResource", "failed to encode spec", err)
	}
	res := Resource{
		APIVersion: APIVersion,
		Kind:       kind,
		Metadata:   Metadata{Name: name},
		Spec:       specNode,
	}
	out, err := yaml.Marshal(&res)
	if err != nil {
		return nil, NewConfigError("Config", "EmitResource", "failed to marshal resource", err)
	}
	return out, nil
}
