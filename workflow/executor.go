package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aofdev/aof/config"
	"github.com/aofdev/aof/expr"
)

// AgentRunner executes a registered agent by name. *agent.Registry
// implements it.
type AgentRunner interface {
	Execute(ctx context.Context, name, input string) (string, error)
}

// DefaultApprovalTimeout bounds an approval wait when the step declares no
// timeout.
const DefaultApprovalTimeout = time.Hour

// EventType identifies one workflow event kind.
type EventType string

const (
	EventStepStarted     EventType = "step_started"
	EventStepCompleted   EventType = "step_completed"
	EventWaitingApproval EventType = "waiting_approval"
	EventRunCompleted    EventType = "run_completed"
	EventRunFailed       EventType = "run_failed"
)

// Event is one element of a run's event stream.
type Event struct {
	Type      EventType `json:"type"`
	Step      string    `json:"step,omitempty"`
	Approvers []string  `json:"approvers,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Decision is an external approval verdict for a waiting step.
type Decision struct {
	Step     string `json:"step"`
	Approved bool   `json:"approved"`
	Approver string `json:"approver"`
	Comment  string `json:"comment,omitempty"`
}

// eventBufferSize bounds per-run event channels.
const eventBufferSize = 100

// Run is one workflow execution handle. Decisions are delivered through a
// bounded channel; events may be consumed concurrently with execution.
type Run struct {
	State     *RunState
	decisions chan Decision
	events    chan Event
}

// Approve submits an approval decision without blocking. It reports whether
// the decision was accepted for delivery.
func (r *Run) Approve(d Decision) bool {
	select {
	case r.decisions <- d:
		return true
	default:
		return false
	}
}

// Events returns the run's event stream. The channel closes when the run
// finishes.
func (r *Run) Events() <-chan Event { return r.events }

func (r *Run) emit(ev Event) {
	ev.Timestamp = time.Now()
	select {
	case r.events <- ev:
	default:
		// Consumer absent or slow; skip emission rather than block.
	}
}

// Executor drives one workflow configuration. Safe for concurrent runs.
type Executor struct {
	cfg        *config.WorkflowConfig
	agents     AgentRunner
	validators map[string]ValidatorFunc
	logger     *slog.Logger
}

// NewExecutor validates the workflow graph and builds an executor over the
// given agent runner.
func NewExecutor(cfg *config.WorkflowConfig, agents AgentRunner) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Executor{
		cfg:        cfg,
		agents:     agents,
		validators: make(map[string]ValidatorFunc),
		logger:     slog.Default().With("workflow", cfg.Name),
	}, nil
}

// Name returns the workflow name.
func (e *Executor) Name() string { return e.cfg.Name }

// RegisterValidator installs an in-process function validator.
func (e *Executor) RegisterValidator(name string, fn ValidatorFunc) {
	e.validators[name] = fn
}

// NewRun creates a run handle starting at the entrypoint.
func (e *Executor) NewRun(input map[string]any) *Run {
	return &Run{
		State:     NewRunState(e.cfg.Name, e.cfg.Entrypoint, input),
		decisions: make(chan Decision, eventBufferSize),
		events:    make(chan Event, eventBufferSize),
	}
}

// Execute runs the workflow to a terminal state. The returned state is the
// run's final state; step failures routed through error_handler do not
// surface as errors.
func (e *Executor) Execute(ctx context.Context, run *Run) (*RunState, error) {
	defer close(run.events)
	state := run.State

	inErrorHandler := false
	for state.CurrentStatus() == StatusRunning {
		if err := ctx.Err(); err != nil {
			state.setStatus(StatusCancelled)
			return state, NewWorkflowError(e.cfg.Name, state.CurrentStep, "run cancelled", err)
		}

		step, ok := e.cfg.Step(state.CurrentStep)
		if !ok {
			state.fail(fmt.Sprintf("step %q not found", state.CurrentStep))
			break
		}

		run.emit(Event{Type: EventStepStarted, Step: step.Name})
		result, next, err := e.dispatch(ctx, run, step)
		if err != nil {
			e.logger.Warn("step failed", "step", step.Name, "error", err)
			if e.cfg.ErrorHandler != "" && !inErrorHandler {
				inErrorHandler = true
				state.mergeOutput(map[string]any{
					"error":       err.Error(),
					"failed_step": step.Name,
				}, e.cfg.Reducers)
				state.advance(e.cfg.ErrorHandler)
				continue
			}
			state.fail(err.Error())
			run.emit(Event{Type: EventRunFailed, Step: step.Name, Message: err.Error()})
			return state, err
		}

		state.recordStep(step.Name, result)
		run.emit(Event{Type: EventStepCompleted, Step: step.Name})

		if next == "" {
			if state.CurrentStatus() == StatusRunning {
				state.setStatus(StatusCompleted)
			}
			break
		}
		state.advance(next)
	}

	run.emit(Event{Type: EventRunCompleted})
	return state, nil
}

// dispatch executes one step and resolves its successor. An empty next name
// means the run terminates after this step.
func (e *Executor) dispatch(ctx context.Context, run *Run, step *config.StepConfig) (map[string]any, string, error) {
	switch step.Type {
	case config.StepAgent:
		return e.runAgentStep(ctx, run, step)
	case config.StepApproval:
		return e.runApprovalStep(ctx, run, step)
	case config.StepValidation:
		data := run.State.Snapshot()
		if err := e.runValidators(ctx, step.Name, step.Validators, data); err != nil {
			return nil, "", err
		}
		result := map[string]any{"validated": true}
		return result, e.resolveNext(run, step, result), nil
	case config.StepParallel:
		return e.runParallelStep(ctx, run, step)
	case config.StepJoin:
		result := map[string]any{}
		return result, e.resolveNext(run, step, result), nil
	case config.StepTerminal:
		status := Status(step.Status)
		if status == "" {
			status = StatusCompleted
		}
		run.State.setStatus(status)
		return map[string]any{"status": string(status)}, "", nil
	default:
		return nil, "", NewWorkflowError(e.cfg.Name, step.Name,
			fmt.Sprintf("unknown step type %q", step.Type), nil)
	}
}

func (e *Executor) runAgentStep(ctx context.Context, run *Run, step *config.StepConfig) (map[string]any, string, error) {
	input, err := json.Marshal(run.State.Snapshot())
	if err != nil {
		return nil, "", NewWorkflowError(e.cfg.Name, step.Name, "failed to serialise state", err)
	}

	attempts := 1
	var backoff time.Duration
	if e.cfg.Retry != nil && e.cfg.Retry.MaxAttempts > 1 {
		attempts = e.cfg.Retry.MaxAttempts
		if e.cfg.Retry.Backoff != nil {
			backoff = e.cfg.Retry.Backoff.Duration()
		}
	}

	var text string
	for attempt := 1; ; attempt++ {
		text, err = e.agents.Execute(ctx, step.Agent, string(input))
		if err == nil {
			break
		}
		if attempt >= attempts || ctx.Err() != nil {
			return nil, "", NewWorkflowError(e.cfg.Name, step.Name, "agent execution failed", err)
		}
		e.logger.Warn("retrying agent step", "step", step.Name, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, "", NewWorkflowError(e.cfg.Name, step.Name, "run cancelled", ctx.Err())
		case <-time.After(backoff):
		}
	}

	output := parseAgentOutput(text)
	if err := e.runValidators(ctx, step.Name, step.Validators, output); err != nil {
		return nil, "", err
	}

	run.State.mergeOutput(output, e.cfg.Reducers)
	return output, e.resolveNext(run, step, output), nil
}

// parseAgentOutput decodes a JSON object reply, wrapping anything else as
// {response: text}.
func parseAgentOutput(text string) map[string]any {
	var output map[string]any
	if err := json.Unmarshal([]byte(text), &output); err == nil && output != nil {
		return output
	}
	return map[string]any{"response": text}
}

func (e *Executor) runApprovalStep(ctx context.Context, run *Run, step *config.StepConfig) (map[string]any, string, error) {
	if step.AutoApprove != nil &&
		expr.Evaluate(step.AutoApprove.Condition, run.State.Snapshot(), nil) {
		result := map[string]any{"approved": true, "auto": true}
		run.State.mergeOutput(result, e.cfg.Reducers)
		return result, e.resolveNext(run, step, result), nil
	}

	timeout := DefaultApprovalTimeout
	if step.Timeout != nil && step.Timeout.Duration() > 0 {
		timeout = step.Timeout.Duration()
	}

	run.State.setStatus(StatusWaitingApproval)
	run.emit(Event{Type: EventWaitingApproval, Step: step.Name, Approvers: step.Approvers})

	var result map[string]any
	select {
	case <-ctx.Done():
		run.State.setStatus(StatusCancelled)
		return nil, "", NewWorkflowError(e.cfg.Name, step.Name, "run cancelled", ctx.Err())
	case d := <-run.decisions:
		result = map[string]any{
			"approved": d.Approved,
			"approver": d.Approver,
		}
		if d.Comment != "" {
			result["comment"] = d.Comment
		}
	case <-time.After(timeout):
		result = map[string]any{"approved": false, "timeout": true}
	}

	run.State.setStatus(StatusRunning)
	run.State.mergeOutput(result, e.cfg.Reducers)
	return result, e.resolveNext(run, step, result), nil
}

// runParallelStep forks one task per branch and waits per the join
// strategy. Branch outputs merge under branches.<name>.
func (e *Executor) runParallelStep(ctx context.Context, run *Run, step *config.StepConfig) (map[string]any, string, error) {
	type branchResult struct {
		name   string
		output map[string]any
	}

	required := len(step.Branches)
	if step.Join != nil {
		switch step.Join.Strategy {
		case config.JoinAny:
			required = 1
		case config.JoinMajority:
			// Quorum is ceil(n/2) + 1, capped at the branch count.
			required = (len(step.Branches)+1)/2 + 1
			if required > len(step.Branches) {
				required = len(step.Branches)
			}
		}
	}

	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan branchResult, len(step.Branches))
	g, gctx := errgroup.WithContext(branchCtx)
	for _, branch := range step.Branches {
		g.Go(func() error {
			output, err := e.runBranch(gctx, run, branch)
			if err != nil {
				return err
			}
			select {
			case results <- branchResult{name: branch.Name, output: output}:
			case <-gctx.Done():
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	branches := make(map[string]any)
	collected := 0
	for collected < required {
		select {
		case res := <-results:
			branches[res.name] = res.output
			collected++
		case err := <-done:
			// All branches finished; drain any buffered results.
			for len(results) > 0 {
				res := <-results
				branches[res.name] = res.output
				collected++
			}
			if collected < required {
				if err == nil {
					err = fmt.Errorf("only %d of %d required branches completed", collected, required)
				}
				return nil, "", NewWorkflowError(e.cfg.Name, step.Name, "parallel step failed", err)
			}
		case <-ctx.Done():
			return nil, "", NewWorkflowError(e.cfg.Name, step.Name, "run cancelled", ctx.Err())
		}
	}
	cancel()

	output := map[string]any{"branches": branches}
	run.State.mergeOutput(output, e.cfg.Reducers)
	return output, e.resolveNext(run, step, output), nil
}

// runBranch chains the branch's agents: the first receives the run state,
// each later agent receives the previous reply.
func (e *Executor) runBranch(ctx context.Context, run *Run, branch config.BranchConfig) (map[string]any, error) {
	stateJSON, err := json.Marshal(run.State.Snapshot())
	if err != nil {
		return nil, err
	}
	input := string(stateJSON)

	var text string
	for _, name := range branch.Agents {
		text, err = e.agents.Execute(ctx, name, input)
		if err != nil {
			return nil, fmt.Errorf("branch %s agent %s: %w", branch.Name, name, err)
		}
		input = text
	}
	return parseAgentOutput(text), nil
}

// resolveNext picks the successor step: the first matching condition wins
// and a condition-free target is the default.
func (e *Executor) resolveNext(run *Run, step *config.StepConfig, lastOutput map[string]any) string {
	state := run.State.Snapshot()
	for _, target := range step.Next.Targets {
		if target.Condition == "" {
			return target.Target
		}
		if expr.Evaluate(target.Condition, state, lastOutput) {
			return target.Target
		}
	}
	return ""
}
