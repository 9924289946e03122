package flow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aofdev/aof/agent"
	"github.com/aofdev/aof/config"
	"github.com/aofdev/aof/expr"
)

// EventType identifies a flow event kind.
type EventType string

const (
	EventNodeStarted   EventType = "node_started"
	EventNodeCompleted EventType = "node_completed"
	EventNodeFailed    EventType = "node_failed"
	EventWaiting       EventType = "waiting"
	EventFlowCompleted EventType = "flow_completed"
	EventFlowFailed    EventType = "flow_failed"
)

// Event is one element of a flow's event stream.
type Event struct {
	Type      EventType `json:"type"`
	Node      string    `json:"node,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventSink receives flow events; a nil sink disables emission.
type EventSink func(Event)

// Notifier renders slack/discord node messages through the platform
// collaborator. The returned ts identifies the posted message.
type Notifier interface {
	PostMessage(ctx context.Context, platform, channel, message string) (ts string, err error)
}

// contextMu serialises process-wide flow-context application (env,
// working directory) across concurrent agent nodes.
var contextMu sync.Mutex

// Executor runs one flow configuration.
type Executor struct {
	cfg      *config.FlowConfig
	agents   *agent.Registry
	notifier Notifier
	sink     EventSink
	logger   *slog.Logger
}

// Option customizes an executor.
type Option func(*Executor)

func WithNotifier(n Notifier) Option {
	return func(e *Executor) { e.notifier = n }
}

func WithEventSink(sink EventSink) Option {
	return func(e *Executor) { e.sink = sink }
}

// NewExecutor validates the flow graph and builds an executor.
func NewExecutor(cfg *config.FlowConfig, agents *agent.Registry, opts ...Option) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Executor{
		cfg:    cfg,
		agents: agents,
		logger: slog.Default().With("flow", cfg.Name),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Name returns the flow name.
func (e *Executor) Name() string { return e.cfg.Name }

// Config returns the flow configuration.
func (e *Executor) Config() *config.FlowConfig { return e.cfg }

func (e *Executor) emit(ev Event) {
	if e.sink == nil {
		return
	}
	ev.Timestamp = time.Now()
	e.sink(ev)
}

// Execute runs the flow from the trigger event to completion, failure, or a
// waiting gate.
func (e *Executor) Execute(ctx context.Context, triggerData map[string]any) (*State, error) {
	state := NewState(e.cfg.Name, triggerData)

	current := e.successors("trigger", state)
	if len(current) == 0 && len(e.cfg.Nodes) > 0 {
		current = []string{e.cfg.Nodes[0].ID}
	}

	return state, e.traverse(ctx, state, current)
}

// Resume continues a waiting flow: the supplied output becomes the waiting
// node's result and traversal proceeds from its successors.
func (e *Executor) Resume(ctx context.Context, state *State, output map[string]any) error {
	if state.CurrentStatus() != StatusWaiting {
		return NewFlowError(e.cfg.Name, state.WaitingNode, "flow is not waiting", nil)
	}
	node := state.WaitingNode
	state.recordNode(node, &NodeRecord{Status: NodeCompleted, Output: output})
	state.setStatus(StatusRunning)
	state.mu.Lock()
	state.WaitingNode = ""
	state.mu.Unlock()

	return e.traverse(ctx, state, e.successors(node, state))
}

// traverse walks the graph wave-by-wave; nodes within a wave run
// concurrently.
func (e *Executor) traverse(ctx context.Context, state *State, current []string) error {
	visited := make(map[string]bool)

	for len(current) > 0 && state.CurrentStatus() == StatusRunning {
		if err := ctx.Err(); err != nil {
			state.fail("flow cancelled")
			return NewFlowError(e.cfg.Name, "", "flow cancelled", err)
		}

		wave := dedupe(current, visited)
		if len(wave) == 0 {
			break
		}

		type nodeOutcome struct {
			id      string
			proceed bool
			revisit bool
			err     error
		}
		outcomes := make([]nodeOutcome, len(wave))
		var wg sync.WaitGroup
		for i, id := range wave {
			wg.Add(1)
			go func() {
				defer wg.Done()
				proceed, revisit, err := e.executeNode(ctx, state, id)
				outcomes[i] = nodeOutcome{id: id, proceed: proceed, revisit: revisit, err: err}
			}()
		}
		wg.Wait()

		var next []string
		for _, out := range outcomes {
			if out.err != nil {
				state.fail(out.err.Error())
				e.emit(Event{Type: EventFlowFailed, Node: out.id, Message: out.err.Error()})
				return out.err
			}
			if out.revisit {
				// Unsatisfied join: let a later branch schedule it again.
				delete(visited, out.id)
			}
			if out.proceed {
				next = append(next, e.successors(out.id, state)...)
			}
		}

		if state.CurrentStatus() == StatusWaiting {
			return nil
		}
		current = next
	}

	if state.CurrentStatus() == StatusRunning {
		state.setStatus(StatusCompleted)
		e.emit(Event{Type: EventFlowCompleted})
	}
	return nil
}

func dedupe(ids []string, visited map[string]bool) []string {
	var out []string
	for _, id := range ids {
		if visited[id] {
			continue
		}
		visited[id] = true
		out = append(out, id)
	}
	return out
}

// executeNode runs one node. proceed reports whether traversal continues to
// the node's successors; revisit asks for the node to be scheduled again when
// a later branch reaches it.
func (e *Executor) executeNode(ctx context.Context, state *State, id string) (proceed, revisit bool, err error) {
	node, ok := e.cfg.Node(id)
	if !ok {
		return false, false, NewFlowError(e.cfg.Name, id, "node not found", nil)
	}

	if !e.conditionsMet(node, state) {
		state.recordNode(id, &NodeRecord{Status: NodeSkipped})
		return false, false, nil
	}

	e.emit(Event{Type: EventNodeStarted, Node: id})
	start := time.Now()

	output, waiting, err := e.dispatch(ctx, state, node)
	duration := time.Since(start)
	if err != nil {
		state.recordNode(id, &NodeRecord{Status: NodeFailed, Error: err.Error(), Duration: duration})
		e.emit(Event{Type: EventNodeFailed, Node: id, Message: err.Error()})
		return false, false, NewFlowError(e.cfg.Name, id, "node failed", err)
	}

	if waiting != "" {
		state.recordNode(id, &NodeRecord{Status: NodeRunning, Output: output, Duration: duration})
		state.wait(id)
		e.emit(Event{Type: EventWaiting, Node: id, Reason: waiting})
		return false, false, nil
	}

	// A join gates until its strategy is satisfied; the pending record lets
	// the late branches re-trigger it.
	if node.Type == config.NodeJoin {
		if satisfied, _ := output["satisfied"].(bool); !satisfied {
			state.recordNode(id, &NodeRecord{Status: NodePending, Output: output, Duration: duration})
			return false, true, nil
		}
	}

	state.recordNode(id, &NodeRecord{Status: NodeCompleted, Output: output, Duration: duration})
	e.emit(Event{Type: EventNodeCompleted, Node: id})
	return node.Type != config.NodeEnd, false, nil
}

// conditionsMet checks the node's gate conditions against prior node
// results and reactions.
func (e *Executor) conditionsMet(node *config.FlowNode, state *State) bool {
	vars := state.VariablesSnapshot()
	for _, cond := range node.Conditions {
		if cond.Reaction != "" {
			v, ok := expr.Lookup(vars, cond.From+".reaction")
			if !ok || expr.Render(v) != cond.Reaction {
				return false
			}
			continue
		}
		v, ok := expr.Lookup(vars, cond.From+".result")
		if !ok {
			return false
		}
		if cond.Value != "" && expr.Render(v) != cond.Value {
			return false
		}
		if cond.Value == "" {
			if b, isBool := v.(bool); isBool && !b {
				return false
			}
		}
	}
	return true
}

// successors returns the targets of connections leaving from, filtered by
// their when expressions.
func (e *Executor) successors(from string, state *State) []string {
	vars := state.VariablesSnapshot()
	var lastOutput map[string]any
	if rec, ok := state.Node(from); ok {
		lastOutput = rec.Output
	}

	var out []string
	for _, conn := range e.cfg.Connections {
		if conn.From != from {
			continue
		}
		if conn.When != "" && !expr.Evaluate(conn.When, vars, lastOutput) {
			continue
		}
		out = append(out, conn.To)
	}
	return out
}
