// Package consensus selects a winning response from a set of agent results
// using majority, unanimous, weighted, first-wins, or human-review policies.
package consensus

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aofdev/aof/config"
)

// AgentResult is one agent's contribution to a consensus round.
type AgentResult struct {
	Agent       string        `json:"agent"`
	Tier        int           `json:"tier,omitempty"`
	Weight      float64       `json:"weight"`
	Response    string        `json:"response"`
	Confidence  *float64      `json:"confidence,omitempty"`
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completed_at"`
}

// Result is the outcome of one consensus round.
type Result struct {
	Reached             bool                     `json:"reached"`
	Votes               int                      `json:"votes"`
	Confidence          float64                  `json:"confidence"`
	Algorithm           config.ConsensusAlgorithm `json:"algorithm"`
	Response            string                   `json:"response,omitempty"`
	AllResults          []AgentResult            `json:"all_results"`
	RequiresHumanReview bool                     `json:"requires_human_review"`
	ReviewReason        string                   `json:"review_reason,omitempty"`
}

// Review reasons.
const (
	ReasonPolicyHumanReview = "policy:human_review"
	ReasonBelowConfidence   = "below_confidence"
	ReasonInsufficientVotes = "insufficient_votes"
)

// ConsensusError reports a consensus evaluation failure.
type ConsensusError struct {
	Operation string
	Message   string
	Err       error
}

func (e *ConsensusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[consensus:%s] %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("[consensus:%s] %s", e.Operation, e.Message)
}

func (e *ConsensusError) Unwrap() error { return e.Err }

// Normalize maps a response to its equivalence key: case-insensitive with
// whitespace collapsed.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// cluster groups equivalent responses.
type cluster struct {
	key     string
	results []AgentResult
	weight  float64
}

func (c *cluster) totalConfidence() float64 {
	sum := 0.0
	for _, r := range c.results {
		if r.Confidence != nil {
			sum += *r.Confidence
		}
	}
	return sum
}

func (c *cluster) earliestCompletion() time.Time {
	earliest := c.results[0].CompletedAt
	for _, r := range c.results[1:] {
		if r.CompletedAt.Before(earliest) {
			earliest = r.CompletedAt
		}
	}
	return earliest
}

func (c *cluster) smallestAgent() string {
	smallest := c.results[0].Agent
	for _, r := range c.results[1:] {
		if r.Agent < smallest {
			smallest = r.Agent
		}
	}
	return smallest
}

// representative returns the cluster's canonical response text: the one
// from its earliest-completed member.
func (c *cluster) representative() string {
	best := c.results[0]
	for _, r := range c.results[1:] {
		if r.CompletedAt.Before(best.CompletedAt) {
			best = r
		}
	}
	return best.Response
}

func clusterResults(results []AgentResult) []*cluster {
	byKey := make(map[string]*cluster)
	var order []*cluster
	for _, r := range results {
		key := Normalize(r.Response)
		c, ok := byKey[key]
		if !ok {
			c = &cluster{key: key}
			byKey[key] = c
			order = append(order, c)
		}
		c.results = append(c.results, r)
		c.weight += r.Weight
	}
	return order
}

// better ranks clusters after the primary metric ties: higher total
// confidence, then earlier first completion, then lexicographic smallest
// agent name.
func better(a, b *cluster) bool {
	ac, bc := a.totalConfidence(), b.totalConfidence()
	if ac != bc {
		return ac > bc
	}
	ae, be := a.earliestCompletion(), b.earliestCompletion()
	if !ae.Equal(be) {
		return ae.Before(be)
	}
	return a.smallestAgent() < b.smallestAgent()
}

// Evaluate runs one consensus round over the given results.
func Evaluate(results []AgentResult, cfg config.ConsensusConfig) (*Result, error) {
	n := len(results)
	out := &Result{
		Algorithm:  cfg.Algorithm,
		Votes:      n,
		AllResults: results,
	}

	minVotes := cfg.MinVotes
	if minVotes <= 0 {
		// Default quorum: ceil(n/2) + 1.
		minVotes = (n+1)/2 + 1
	}

	if cfg.Algorithm == config.ConsensusHumanReview {
		out.RequiresHumanReview = true
		out.ReviewReason = ReasonPolicyHumanReview
		return out, nil
	}

	if !cfg.AllowPartial && n < minVotes {
		out.ReviewReason = ReasonInsufficientVotes
		return out, nil
	}
	if n == 0 {
		out.ReviewReason = ReasonInsufficientVotes
		return out, nil
	}

	switch cfg.Algorithm {
	case config.ConsensusMajority:
		winner := pickWinner(clusterResults(results), func(c *cluster) float64 { return float64(len(c.results)) })
		count := len(winner.results)
		out.Confidence = float64(count) / float64(n)
		if count*2 > n && count >= minVotes {
			out.Reached = true
			out.Response = winner.representative()
		}

	case config.ConsensusUnanimous:
		clusters := clusterResults(results)
		if len(clusters) == 1 {
			out.Reached = true
			out.Confidence = 1.0
			out.Response = clusters[0].representative()
		}

	case config.ConsensusWeighted:
		weighted := applyWeights(results, cfg.Weights)
		clusters := clusterResults(weighted)
		winner := pickWinner(clusters, func(c *cluster) float64 { return c.weight })
		total := 0.0
		for _, c := range clusters {
			total += c.weight
		}
		if total > 0 {
			out.Confidence = winner.weight / total
		}
		if out.Confidence > 0.5 {
			out.Reached = true
			out.Response = winner.representative()
		}

	case config.ConsensusFirstWins:
		first := results[0]
		for _, r := range results[1:] {
			if r.CompletedAt.Before(first.CompletedAt) ||
				(r.CompletedAt.Equal(first.CompletedAt) && r.Agent < first.Agent) {
				first = r
			}
		}
		out.Reached = true
		out.Response = first.Response
		out.Confidence = 1.0
		if first.Confidence != nil {
			out.Confidence = *first.Confidence
		}

	default:
		return nil, &ConsensusError{Operation: "Evaluate",
			Message: fmt.Sprintf("unknown consensus algorithm %q", cfg.Algorithm)}
	}

	if cfg.MinConfidence != nil && out.Confidence < *cfg.MinConfidence {
		out.RequiresHumanReview = true
		out.ReviewReason = ReasonBelowConfidence
	}
	return out, nil
}

// pickWinner selects the cluster with the greatest metric, applying the
// tie-break chain on equal values.
func pickWinner(clusters []*cluster, metric func(*cluster) float64) *cluster {
	sort.SliceStable(clusters, func(i, j int) bool {
		mi, mj := metric(clusters[i]), metric(clusters[j])
		if mi != mj {
			return mi > mj
		}
		return better(clusters[i], clusters[j])
	})
	return clusters[0]
}

// applyWeights overrides per-agent weights from the config mapping.
func applyWeights(results []AgentResult, weights map[string]float64) []AgentResult {
	out := make([]AgentResult, len(results))
	copy(out, results)
	for i := range out {
		if w, ok := weights[out[i].Agent]; ok {
			out[i].Weight = w
		}
		if out[i].Weight == 0 {
			out[i].Weight = 1
		}
	}
	return out
}
