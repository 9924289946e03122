package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aofdev/aof/config"
)

// fakeRunner scripts agent replies per name and records every call.
type fakeRunner struct {
	mu    sync.Mutex
	calls []runnerCall
	fn    func(name, input string) (string, error)
}

type runnerCall struct{ name, input string }

func (f *fakeRunner) Execute(_ context.Context, name, input string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, runnerCall{name: name, input: input})
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(name, input)
	}
	return fmt.Sprintf(`{"from": %q}`, name), nil
}

func durationPtr(d time.Duration) *config.Duration {
	cd := config.Duration(d)
	return &cd
}

// approvalWorkflow routes an approval verdict to one of two terminals.
func approvalWorkflow() *config.WorkflowConfig {
	return &config.WorkflowConfig{
		Name:       "release",
		Entrypoint: "sign_off",
		Steps: []config.StepConfig{
			{
				Name:      "sign_off",
				Type:      config.StepApproval,
				Approvers: []string{"oncall"},
				Next: config.Next{Targets: []config.NextTarget{
					{Condition: "approved", Target: "ship"},
					{Condition: "rejected", Target: "abort"},
				}},
			},
			{Name: "ship", Type: config.StepTerminal},
			{Name: "abort", Type: config.StepTerminal, Status: string(StatusFailed)},
		},
	}
}

func TestApprovalApproved(t *testing.T) {
	exec, err := NewExecutor(approvalWorkflow(), nil)
	require.NoError(t, err)

	run := exec.NewRun(map[string]any{"version": "1.2.0"})
	require.True(t, run.Approve(Decision{Step: "sign_off", Approved: true, Approver: "oncall"}))

	state, err := exec.Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, state.CurrentStatus())
	assert.Equal(t, []string{"sign_off"}, state.CompletedSteps)
	assert.Equal(t, "ship", state.CurrentStep)
	assert.Equal(t, "oncall", state.Snapshot()["approver"])
}

func TestApprovalRejected(t *testing.T) {
	exec, err := NewExecutor(approvalWorkflow(), nil)
	require.NoError(t, err)

	run := exec.NewRun(nil)
	run.Approve(Decision{Step: "sign_off", Approved: false, Approver: "oncall", Comment: "not yet"})

	state, err := exec.Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, state.CurrentStatus())
	assert.Equal(t, "abort", state.CurrentStep)
	assert.Equal(t, "not yet", state.Snapshot()["comment"])
}

func TestApprovalTimeout(t *testing.T) {
	cfg := approvalWorkflow()
	cfg.Steps[0].Timeout = durationPtr(10 * time.Millisecond)
	cfg.Steps[0].Next.Targets = append(cfg.Steps[0].Next.Targets,
		config.NextTarget{Condition: "timeout", Target: "abort"})
	exec, err := NewExecutor(cfg, nil)
	require.NoError(t, err)

	run := exec.NewRun(nil)
	state, err := exec.Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, state.CurrentStatus())
	assert.Equal(t, true, state.Snapshot()["timeout"])
}

func TestApprovalAutoApprove(t *testing.T) {
	cfg := approvalWorkflow()
	cfg.Steps[0].AutoApprove = &config.AutoApprove{Condition: `state.environment == "staging"`}
	exec, err := NewExecutor(cfg, nil)
	require.NoError(t, err)

	// No decision submitted; the condition short-circuits the wait.
	run := exec.NewRun(map[string]any{"environment": "staging"})
	state, err := exec.Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, state.CurrentStatus())
	assert.Equal(t, true, state.Snapshot()["auto"])
}

func TestApprovalEmitsWaitingEvent(t *testing.T) {
	exec, err := NewExecutor(approvalWorkflow(), nil)
	require.NoError(t, err)

	run := exec.NewRun(nil)
	done := make(chan struct{})
	var waiting *Event
	go func() {
		defer close(done)
		for ev := range run.Events() {
			if ev.Type == EventWaitingApproval {
				waiting = &ev
				run.Approve(Decision{Step: "sign_off", Approved: true, Approver: "oncall"})
			}
		}
	}()

	_, err = exec.Execute(context.Background(), run)
	require.NoError(t, err)
	<-done
	require.NotNil(t, waiting)
	assert.Equal(t, "sign_off", waiting.Step)
	assert.Equal(t, []string{"oncall"}, waiting.Approvers)
}

func validationWorkflow() *config.WorkflowConfig {
	return &config.WorkflowConfig{
		Name:       "checks",
		Entrypoint: "verify",
		Steps: []config.StepConfig{
			{
				Name:       "verify",
				Type:       config.StepValidation,
				Validators: []config.ValidatorConfig{{Type: config.ValidatorFunction, Name: "has_target"}},
				Next:       config.Next{Targets: []config.NextTarget{{Target: "done"}}},
			},
			{Name: "done", Type: config.StepTerminal},
		},
	}
}

func TestFunctionValidatorPass(t *testing.T) {
	exec, err := NewExecutor(validationWorkflow(), nil)
	require.NoError(t, err)
	exec.RegisterValidator("has_target", func(data map[string]any) error {
		if _, ok := data["target"]; !ok {
			return errors.New("target missing")
		}
		return nil
	})

	state, err := exec.Execute(context.Background(), exec.NewRun(map[string]any{"target": "api"}))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, state.CurrentStatus())
}

func TestFunctionValidatorFailureRoutesToErrorHandler(t *testing.T) {
	cfg := validationWorkflow()
	cfg.ErrorHandler = "cleanup"
	cfg.Steps = append(cfg.Steps,
		config.StepConfig{Name: "cleanup", Type: config.StepTerminal, Status: string(StatusFailed)})
	exec, err := NewExecutor(cfg, nil)
	require.NoError(t, err)
	exec.RegisterValidator("has_target", func(map[string]any) error {
		return errors.New("target missing")
	})

	state, err := exec.Execute(context.Background(), exec.NewRun(nil))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, state.CurrentStatus())
	data := state.Snapshot()
	assert.Equal(t, "verify", data["failed_step"])
	assert.Contains(t, data["error"], "target missing")
}

func TestFunctionValidatorFailureWithoutHandlerFailsRun(t *testing.T) {
	exec, err := NewExecutor(validationWorkflow(), nil)
	require.NoError(t, err)
	exec.RegisterValidator("has_target", func(map[string]any) error {
		return errors.New("target missing")
	})

	state, err := exec.Execute(context.Background(), exec.NewRun(nil))
	require.Error(t, err)
	var wfErr *WorkflowError
	require.ErrorAs(t, err, &wfErr)
	assert.Equal(t, "verify", wfErr.Step)
	assert.Equal(t, StatusFailed, state.CurrentStatus())
}

func TestUnregisteredFunctionValidatorFails(t *testing.T) {
	exec, err := NewExecutor(validationWorkflow(), nil)
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), exec.NewRun(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestExecuteCancelled(t *testing.T) {
	exec, err := NewExecutor(approvalWorkflow(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	state, err := exec.Execute(ctx, exec.NewRun(nil))
	require.Error(t, err)
	assert.Equal(t, StatusCancelled, state.CurrentStatus())
}

func TestResolveNextFirstMatchWins(t *testing.T) {
	exec, err := NewExecutor(approvalWorkflow(), nil)
	require.NoError(t, err)

	step := &config.StepConfig{Next: config.Next{Targets: []config.NextTarget{
		{Condition: `state.severity == "critical"`, Target: "page"},
		{Condition: `state.severity == "low"`, Target: "log"},
		{Target: "triage"},
	}}}

	run := exec.NewRun(map[string]any{"severity": "critical"})
	assert.Equal(t, "page", exec.resolveNext(run, step, nil))

	run = exec.NewRun(map[string]any{"severity": "medium"})
	assert.Equal(t, "triage", exec.resolveNext(run, step, nil))
}

func parallelWorkflow(branches []config.BranchConfig, join *config.JoinConfig) *config.WorkflowConfig {
	return &config.WorkflowConfig{
		Name:       "fanout",
		Entrypoint: "fan",
		Steps: []config.StepConfig{
			{
				Name:     "fan",
				Type:     config.StepParallel,
				Branches: branches,
				Join:     join,
				Next:     config.Next{Targets: []config.NextTarget{{Target: "done"}}},
			},
			{Name: "done", Type: config.StepTerminal},
		},
	}
}

func TestParallelMergesOneKeyPerBranch(t *testing.T) {
	runner := &fakeRunner{}
	cfg := parallelWorkflow([]config.BranchConfig{
		{Name: "alpha", Agents: []string{"scanner"}},
		{Name: "beta", Agents: []string{"prober"}},
	}, nil)
	exec, err := NewExecutor(cfg, runner)
	require.NoError(t, err)

	state, err := exec.Execute(context.Background(), exec.NewRun(map[string]any{"target": "api"}))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, state.CurrentStatus())

	branches, ok := state.Snapshot()["branches"].(map[string]any)
	require.True(t, ok)
	require.Len(t, branches, 2)
	alpha, ok := branches["alpha"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "scanner", alpha["from"])
	beta, ok := branches["beta"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "prober", beta["from"])
}

func TestParallelBranchChainsAgents(t *testing.T) {
	runner := &fakeRunner{fn: func(name, _ string) (string, error) {
		if name == "first" {
			return "first-reply", nil
		}
		return `{"final": true}`, nil
	}}
	cfg := parallelWorkflow([]config.BranchConfig{
		{Name: "only", Agents: []string{"first", "second"}},
	}, nil)
	exec, err := NewExecutor(cfg, runner)
	require.NoError(t, err)

	state, err := exec.Execute(context.Background(), exec.NewRun(nil))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, state.CurrentStatus())

	// The second agent receives the first agent's raw reply.
	require.Len(t, runner.calls, 2)
	assert.Equal(t, "first", runner.calls[0].name)
	assert.Equal(t, "second", runner.calls[1].name)
	assert.Equal(t, "first-reply", runner.calls[1].input)

	branches := state.Snapshot()["branches"].(map[string]any)
	only := branches["only"].(map[string]any)
	assert.Equal(t, true, only["final"])
}

func TestParallelJoinAnyProceedsOnFirst(t *testing.T) {
	runner := &fakeRunner{}
	cfg := parallelWorkflow([]config.BranchConfig{
		{Name: "alpha", Agents: []string{"a"}},
		{Name: "beta", Agents: []string{"b"}},
	}, &config.JoinConfig{Strategy: config.JoinAny})
	exec, err := NewExecutor(cfg, runner)
	require.NoError(t, err)

	state, err := exec.Execute(context.Background(), exec.NewRun(nil))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, state.CurrentStatus())

	branches := state.Snapshot()["branches"].(map[string]any)
	assert.NotEmpty(t, branches)
}

func TestParallelMajorityNeedsCeilQuorum(t *testing.T) {
	// Three branches need ceil(3/2)+1 = 3; one failing branch sinks the run.
	runner := &fakeRunner{fn: func(name, _ string) (string, error) {
		if name == "agent-c" {
			return "", errors.New("provider unavailable")
		}
		return "fine", nil
	}}
	cfg := parallelWorkflow([]config.BranchConfig{
		{Name: "a", Agents: []string{"agent-a"}},
		{Name: "b", Agents: []string{"agent-b"}},
		{Name: "c", Agents: []string{"agent-c"}},
	}, &config.JoinConfig{Strategy: config.JoinMajority})
	exec, err := NewExecutor(cfg, runner)
	require.NoError(t, err)

	state, err := exec.Execute(context.Background(), exec.NewRun(nil))
	require.Error(t, err)
	var wfErr *WorkflowError
	require.ErrorAs(t, err, &wfErr)
	assert.Equal(t, "fan", wfErr.Step)
	assert.Equal(t, StatusFailed, state.CurrentStatus())
}

func TestValidateRejectsBrokenGraphs(t *testing.T) {
	missingTarget := approvalWorkflow()
	missingTarget.Steps[0].Next.Targets[0].Target = "nowhere"
	_, err := NewExecutor(missingTarget, nil)
	require.Error(t, err)

	noTerminal := &config.WorkflowConfig{
		Name:       "loop",
		Entrypoint: "only",
		Steps:      []config.StepConfig{{Name: "only", Type: config.StepApproval}},
	}
	_, err = NewExecutor(noTerminal, nil)
	require.Error(t, err)

	badEntrypoint := approvalWorkflow()
	badEntrypoint.Entrypoint = "missing"
	_, err = NewExecutor(badEntrypoint, nil)
	require.Error(t, err)
}
