package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aofdev/aof/config"
	"github.com/aofdev/aof/consensus"
)

// runHierarchical optionally consults the manager, then routes the task to
// one worker per the distribution strategy. Swarm mode reuses this path
// without the manager pre-pass.
func (c *Coordinator) runHierarchical(ctx context.Context, task *Task, withManager bool, dist config.TaskDistribution) error {
	managerName := c.cfg.Coordination.Manager

	if withManager && managerName != "" {
		workers := c.workerNames(managerName)
		prompt := fmt.Sprintf(
			"Task: %s\n\nAvailable workers: %s\n\nSummarise how this task should be handled.",
			task.Input, strings.Join(workers, ", "))
		managerReply, err := c.agents.Execute(ctx, managerName, prompt)
		if err != nil {
			return NewFleetError(c.cfg.Name, "Hierarchical", "manager pre-pass failed", err)
		}
		c.mu.Lock()
		task.Metadata["manager_response"] = managerReply
		c.mu.Unlock()
	}

	candidates := c.instancesOf(func(m *config.FleetAgent) bool {
		return m.Name != managerName
	})
	if len(candidates) == 0 {
		return NewFleetError(c.cfg.Name, "Hierarchical", "no worker instances", nil)
	}

	inst := c.selectInstance(task, dist, candidates)
	c.mu.Lock()
	task.AssignedTo = inst.ID
	c.mu.Unlock()

	reply, err := c.agents.Execute(ctx, inst.AgentName, task.Input)
	c.release(inst, err != nil)
	if err != nil {
		return NewFleetError(c.cfg.Name, "Hierarchical",
			fmt.Sprintf("worker %s failed", inst.AgentName), err)
	}

	c.mu.Lock()
	task.Result = map[string]any{"response": reply, "agent": inst.AgentName}
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) workerNames(managerName string) []string {
	var names []string
	for _, m := range c.cfg.Agents {
		if m.Name != managerName {
			names = append(names, m.Name)
		}
	}
	return names
}

// runPeer executes the task on all instances in parallel and reduces the
// responses through the consensus engine.
func (c *Coordinator) runPeer(ctx context.Context, task *Task) error {
	candidates := c.instancesOf(func(*config.FleetAgent) bool { return true })
	results := c.executeParallel(ctx, task.Input, candidates)

	consensusCfg := config.ConsensusConfig{Algorithm: config.ConsensusMajority}
	if c.cfg.Coordination.Consensus != nil {
		consensusCfg = *c.cfg.Coordination.Consensus
	}

	outcome, err := consensus.Evaluate(results, consensusCfg)
	if err != nil {
		return NewFleetError(c.cfg.Name, "Peer", "consensus evaluation failed", err)
	}
	if !outcome.Reached && !outcome.RequiresHumanReview {
		return NewFleetError(c.cfg.Name, "Peer",
			fmt.Sprintf("consensus not reached (%s, %d votes, confidence %.2f)",
				reasonOrAlgorithm(outcome), outcome.Votes, outcome.Confidence), nil)
	}

	c.mu.Lock()
	task.Result = map[string]any{
		"response":        outcome.Response,
		"confidence":      outcome.Confidence,
		"votes":           outcome.Votes,
		"requires_review": outcome.RequiresHumanReview,
	}
	if outcome.ReviewReason != "" {
		task.Result["review_reason"] = outcome.ReviewReason
	}
	c.mu.Unlock()
	return nil
}

func reasonOrAlgorithm(r *consensus.Result) string {
	if r.ReviewReason != "" {
		return r.ReviewReason
	}
	return string(r.Algorithm)
}

// executeParallel fans the input out to every instance and collects agent
// results. Failed executions are dropped from the result set.
func (c *Coordinator) executeParallel(ctx context.Context, input string, instances []*Instance) []consensus.AgentResult {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []consensus.AgentResult
	)
	for _, inst := range instances {
		c.mu.Lock()
		inst.State = InstanceBusy
		c.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			reply, err := c.agents.Execute(ctx, inst.AgentName, input)
			c.release(inst, err != nil)
			if err != nil {
				c.logger.Warn("fleet member failed", "instance", inst.ID, "error", err)
				return
			}
			member := c.member(inst.AgentName)
			weight := 1.0
			tier := 1
			if member != nil {
				weight = member.EffectiveWeight()
				tier = member.Tier
			}
			mu.Lock()
			results = append(results, consensus.AgentResult{
				Agent:       inst.ID,
				Tier:        tier,
				Weight:      weight,
				Response:    reply,
				Duration:    time.Since(start),
				CompletedAt: time.Now(),
			})
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// runPipeline executes agents in configured order; each stage after the
// first receives a {previous_stage, input, output} envelope carrying the
// original task input and the previous stage's output.
func (c *Coordinator) runPipeline(ctx context.Context, task *Task) error {
	var stages []map[string]any
	previous := ""
	prevOutput := ""
	final := ""

	for _, member := range c.cfg.Agents {
		stageInput := task.Input
		if previous != "" {
			envelope, err := json.Marshal(map[string]any{
				"previous_stage": previous,
				"input":          task.Input,
				"output":         prevOutput,
			})
			if err != nil {
				return NewFleetError(c.cfg.Name, "Pipeline", "failed to build stage envelope", err)
			}
			stageInput = string(envelope)
		}

		reply, err := c.agents.Execute(ctx, member.Name, stageInput)
		if err != nil {
			return NewFleetError(c.cfg.Name, "Pipeline",
				fmt.Sprintf("stage %s failed", member.Name), err)
		}
		stages = append(stages, map[string]any{
			"stage":  member.Name,
			"output": reply,
		})
		previous = member.Name
		prevOutput = reply
		final = reply
	}

	c.mu.Lock()
	task.Result = map[string]any{"response": final, "stages": stages}
	c.mu.Unlock()
	return nil
}

// runTiered walks tiers in ascending order, applying per-tier consensus and
// threading results forward, then applies the final aggregation.
func (c *Coordinator) runTiered(ctx context.Context, task *Task) error {
	tiered := c.cfg.Coordination.Tiered
	if tiered == nil {
		tiered = &config.TieredConfig{FinalAggregation: config.AggregationConsensus}
	}

	tiers := c.tierNumbers()
	if len(tiers) == 1 {
		c.logger.Warn("tiered coordination with a single tier behaves like peer", "tier", tiers[0])
	}
	input := task.Input
	var tierSummaries []map[string]any
	var lastOutcome *consensus.Result

	for _, tier := range tiers {
		instances := c.instancesOf(func(m *config.FleetAgent) bool { return m.Tier == tier })
		if len(instances) == 0 {
			continue
		}

		results := c.executeParallel(ctx, input, instances)

		consensusCfg := config.ConsensusConfig{Algorithm: config.ConsensusMajority}
		if c.cfg.Coordination.Consensus != nil {
			consensusCfg = *c.cfg.Coordination.Consensus
		}
		if tierCfg, ok := tiered.TierConsensus[tier]; ok {
			consensusCfg = tierCfg
		}

		outcome, err := consensus.Evaluate(results, consensusCfg)
		if err != nil {
			return NewFleetError(c.cfg.Name, "Tiered",
				fmt.Sprintf("tier %d consensus failed", tier), err)
		}
		lastOutcome = outcome
		tierSummaries = append(tierSummaries, map[string]any{
			"tier":       tier,
			"result":     outcome.Response,
			"confidence": outcome.Confidence,
			"votes":      outcome.Votes,
		})

		// Build the next tier's input envelope around the original task.
		envelope := map[string]any{
			"original_input": task.Input,
			"tier":           tier,
			"consensus":      outcome.Response,
		}
		if tiered.PassAllResults {
			responses := make([]map[string]any, 0, len(results))
			for _, r := range results {
				responses = append(responses, map[string]any{
					"agent":    r.Agent,
					"response": r.Response,
				})
			}
			envelope["responses"] = responses
		}
		data, err := json.Marshal(envelope)
		if err != nil {
			return NewFleetError(c.cfg.Name, "Tiered", "failed to build tier envelope", err)
		}
		input = string(data)
	}

	if lastOutcome == nil {
		return NewFleetError(c.cfg.Name, "Tiered", "no tiers produced results", nil)
	}

	result, err := c.aggregateTiers(ctx, task, tiered.FinalAggregation, tierSummaries, lastOutcome)
	if err != nil {
		return err
	}
	c.mu.Lock()
	task.Result = result
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) tierNumbers() []int {
	seen := make(map[int]bool)
	var tiers []int
	for _, m := range c.cfg.Agents {
		if !seen[m.Tier] {
			seen[m.Tier] = true
			tiers = append(tiers, m.Tier)
		}
	}
	sort.Ints(tiers)
	return tiers
}

func (c *Coordinator) aggregateTiers(ctx context.Context, task *Task, aggregation config.FinalAggregation, summaries []map[string]any, last *consensus.Result) (map[string]any, error) {
	switch aggregation {
	case config.AggregationManagerSynthesis:
		manager := c.cfg.Coordination.Manager
		if manager == "" {
			for _, m := range c.cfg.Agents {
				if m.Role == config.RoleManager {
					manager = m.Name
					break
				}
			}
		}
		if manager == "" {
			return map[string]any{"tiers": summaries, "tier_count": len(summaries)}, nil
		}
		payload, err := json.Marshal(map[string]any{
			"task":         task.Input,
			"tier_results": summaries,
			"instructions": "Synthesise the tier results into a single final answer.",
		})
		if err != nil {
			return nil, NewFleetError(c.cfg.Name, "Tiered", "failed to build synthesis payload", err)
		}
		reply, err := c.agents.Execute(ctx, manager, string(payload))
		if err != nil {
			return nil, NewFleetError(c.cfg.Name, "Tiered", "manager synthesis failed", err)
		}
		return map[string]any{"response": reply, "tiers": summaries}, nil

	case config.AggregationMerge:
		return map[string]any{"tiers": summaries, "tier_count": len(summaries)}, nil

	default: // consensus
		return map[string]any{
			"response":        last.Response,
			"confidence":      last.Confidence,
			"votes":           last.Votes,
			"requires_review": last.RequiresHumanReview,
		}, nil
	}
}
