package config

import (
	"fmt"
)

// CoordinationMode selects how a fleet dispatches tasks over its agents.
type CoordinationMode string

const (
	ModePeer         CoordinationMode = "peer"
	ModeHierarchical CoordinationMode = "hierarchical"
	ModePipeline     CoordinationMode = "pipeline"
	ModeSwarm        CoordinationMode = "swarm"
	ModeTiered       CoordinationMode = "tiered"
)

// TaskDistribution selects a worker within hierarchical/swarm modes.
type TaskDistribution string

const (
	DistributionRoundRobin TaskDistribution = "round-robin"
	DistributionLeastLoad  TaskDistribution = "least-loaded"
	DistributionRandom     TaskDistribution = "random"
	DistributionSkillBased TaskDistribution = "skill-based"
	DistributionSticky     TaskDistribution = "sticky"
)

// AgentRole classifies a fleet member.
type AgentRole string

const (
	RoleWorker     AgentRole = "worker"
	RoleManager    AgentRole = "manager"
	RoleSpecialist AgentRole = "specialist"
	RoleValidator  AgentRole = "validator"
)

// ConsensusAlgorithm names the reduction procedure for N agent responses.
type ConsensusAlgorithm string

const (
	ConsensusMajority    ConsensusAlgorithm = "majority"
	ConsensusUnanimous   ConsensusAlgorithm = "unanimous"
	ConsensusWeighted    ConsensusAlgorithm = "weighted"
	ConsensusFirstWins   ConsensusAlgorithm = "first_wins"
	ConsensusHumanReview ConsensusAlgorithm = "human_review"
)

// ConsensusConfig tunes the consensus engine.
type ConsensusConfig struct {
	Algorithm     ConsensusAlgorithm `yaml:"algorithm" json:"algorithm"`
	MinVotes      int                `yaml:"min_votes,omitempty" json:"min_votes,omitempty"`
	Timeout       *Duration          `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	AllowPartial  bool               `yaml:"allow_partial,omitempty" json:"allow_partial,omitempty"`
	Weights       map[string]float64 `yaml:"weights,omitempty" json:"weights,omitempty"`
	MinConfidence *float64           `yaml:"min_confidence,omitempty" json:"min_confidence,omitempty"`
}

// FinalAggregation selects how a tiered fleet reduces its tier results.
type FinalAggregation string

const (
	AggregationConsensus        FinalAggregation = "consensus"
	AggregationMerge            FinalAggregation = "merge"
	AggregationManagerSynthesis FinalAggregation = "manager_synthesis"
)

// TieredConfig configures tier traversal.
type TieredConfig struct {
	PassAllResults   bool                       `yaml:"pass_all_results,omitempty" json:"pass_all_results,omitempty"`
	FinalAggregation FinalAggregation           `yaml:"final_aggregation,omitempty" json:"final_aggregation,omitempty"`
	TierConsensus    map[int]ConsensusConfig    `yaml:"tier_consensus,omitempty" json:"tier_consensus,omitempty"`
}

// CoordinationConfig configures the fleet coordinator.
type CoordinationConfig struct {
	Mode         CoordinationMode `yaml:"mode" json:"mode"`
	Manager      string           `yaml:"manager,omitempty" json:"manager,omitempty"`
	Distribution TaskDistribution `yaml:"distribution,omitempty" json:"distribution,omitempty"`
	Consensus    *ConsensusConfig `yaml:"consensus,omitempty" json:"consensus,omitempty"`
	Tiered       *TieredConfig    `yaml:"tiered,omitempty" json:"tiered,omitempty"`
}

// FleetAgent is one member of a fleet. Exactly one of ConfigRef (a registry
// or file reference) and Inline (a full agent spec) must be set.
type FleetAgent struct {
	Name      string       `yaml:"name" json:"name"`
	Replicas  int          `yaml:"replicas,omitempty" json:"replicas,omitempty"`
	Role      AgentRole    `yaml:"role,omitempty" json:"role,omitempty"`
	Tier      int          `yaml:"tier,omitempty" json:"tier,omitempty"`
	Weight    *float64     `yaml:"weight,omitempty" json:"weight,omitempty"`
	Skills    []string     `yaml:"skills,omitempty" json:"skills,omitempty"`
	ConfigRef string       `yaml:"config,omitempty" json:"config,omitempty"`
	Inline    *AgentConfig `yaml:"spec,omitempty" json:"spec,omitempty"`
}

// EffectiveWeight returns the configured weight or the default 1.0.
func (a *FleetAgent) EffectiveWeight() float64 {
	if a.Weight == nil {
		return 1.0
	}
	return *a.Weight
}

// FleetConfig describes a named group of agents under one coordination
// discipline.
type FleetConfig struct {
	Name         string             `yaml:"name,omitempty" json:"name,omitempty"`
	Description  string             `yaml:"description,omitempty" json:"description,omitempty"`
	Agents       []FleetAgent       `yaml:"agents" json:"agents"`
	Coordination CoordinationConfig `yaml:"coordination" json:"coordination"`
}

// ApplyDefaults fills member defaults: 1 replica, worker role, tier 1.
func (c *FleetConfig) ApplyDefaults() {
	for i := range c.Agents {
		a := &c.Agents[i]
		if a.Replicas <= 0 {
			a.Replicas = 1
		}
		if a.Role == "" {
			a.Role = RoleWorker
		}
		if a.Tier <= 0 {
			a.Tier = 1
		}
		if a.Inline != nil {
			if a.Inline.Name == "" {
				a.Inline.Name = a.Name
			}
			a.Inline.ApplyDefaults()
		}
	}
	if c.Coordination.Distribution == "" {
		c.Coordination.Distribution = DistributionRoundRobin
	}
}

// Validate checks the fleet invariants.
func (c *FleetConfig) Validate() error {
	if c.Name == "" {
		return NewConfigError("FleetConfig", "Validate", "name is required", nil)
	}
	if len(c.Agents) == 0 {
		return NewConfigError("FleetConfig", "Validate", "fleet requires at least one agent", nil)
	}

	seen := make(map[string]bool)
	tiers := make(map[int]bool)
	for _, a := range c.Agents {
		if a.Name == "" {
			return NewConfigError("FleetConfig", "Validate", "agent name is required", nil)
		}
		if seen[a.Name] {
			return NewConfigError("FleetConfig", "Validate",
				fmt.Sprintf("duplicate agent %q", a.Name), nil)
		}
		seen[a.Name] = true
		if (a.ConfigRef == "") == (a.Inline == nil) {
			return NewConfigError("FleetConfig", "Validate",
				fmt.Sprintf("agent %q requires exactly one of config reference or inline spec", a.Name), nil)
		}
		if a.Weight != nil && *a.Weight < 0 {
			return NewConfigError("FleetConfig", "Validate",
				fmt.Sprintf("agent %q weight must not be negative", a.Name), nil)
		}
		if a.Inline != nil {
			if err := a.Inline.Validate(); err != nil {
				return err
			}
		}
		tiers[a.Tier] = true
	}

	switch c.Coordination.Mode {
	case ModePeer, ModePipeline, ModeSwarm:
	case ModeHierarchical:
		if c.Coordination.Manager == "" || !seen[c.Coordination.Manager] {
			return NewConfigError("FleetConfig", "Validate",
				"hierarchical coordination requires a resolvable manager", nil)
		}
	case ModeTiered:
		if len(tiers) == 0 {
			return NewConfigError("FleetConfig", "Validate", "tiered coordination requires at least one tier", nil)
		}
	default:
		return NewConfigError("FleetConfig", "Validate",
			fmt.Sprintf("unknown coordination mode %q", c.Coordination.Mode), nil)
	}

	return nil
}
