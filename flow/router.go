package flow

import (
	"regexp"
	"strings"
	"sync"

	"github.com/aofdev/aof/config"
)

// Router match scores. Platform match is required; the specific filters
// stack on top of the base.
const (
	scoreBase     = 10
	scoreChannels = 100
	scoreUsers    = 80
	scorePatterns = 60
)

// InboundMessage is the normalized message a router scores flows against.
type InboundMessage struct {
	Platform string
	Channel  string
	User     string
	Text     string
}

// Router matches inbound messages to registered flows. Registration order
// breaks score ties.
type Router struct {
	mu    sync.RWMutex
	flows []*Executor
}

func NewRouter() *Router {
	return &Router{}
}

// Register adds a flow executor to the routing table.
func (r *Router) Register(exec *Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows = append(r.flows, exec)
}

// Remove drops a flow by name. Reports whether it was registered.
func (r *Router) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, f := range r.flows {
		if f.Name() == name {
			r.flows = append(r.flows[:i], r.flows[i+1:]...)
			return true
		}
	}
	return false
}

// Get returns a registered flow by name.
func (r *Router) Get(name string) (*Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, f := range r.flows {
		if f.Name() == name {
			return f, true
		}
	}
	return nil, false
}

// Names returns registered flow names in registration order.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.flows))
	for _, f := range r.flows {
		names = append(names, f.Name())
	}
	return names
}

// Match scores every registered flow against the message and returns the
// highest positive scorer; earlier registration wins ties.
func (r *Router) Match(msg InboundMessage) (*Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Executor
	bestScore := 0
	for _, f := range r.flows {
		score := Score(f.Config().Trigger, msg)
		if score > bestScore {
			best = f
			bestScore = score
		}
	}
	return best, best != nil
}

// Score rates one flow trigger against a message. Zero means no match: the
// platform differs or a declared filter excludes the message.
func Score(trigger config.FlowTrigger, msg InboundMessage) int {
	if trigger.Platform != "" && !strings.EqualFold(trigger.Platform, msg.Platform) {
		return 0
	}
	score := scoreBase

	if len(trigger.Channels) > 0 {
		if !containsFold(trigger.Channels, msg.Channel) {
			return 0
		}
		score += scoreChannels
	}
	if len(trigger.Users) > 0 {
		if !containsFold(trigger.Users, msg.User) {
			return 0
		}
		score += scoreUsers
	}
	if len(trigger.Patterns) > 0 {
		matched := false
		for _, pattern := range trigger.Patterns {
			re, err := regexp.Compile("(?i)" + pattern)
			if err != nil {
				continue
			}
			if re.MatchString(msg.Text) {
				matched = true
				break
			}
		}
		if !matched {
			return 0
		}
		score += scorePatterns
	}
	return score
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}
