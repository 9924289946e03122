package flow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aofdev/aof/config"
)

func TestExpand(t *testing.T) {
	t.Setenv("DEPLOY_TOKEN", "sekrit")

	vars := map[string]any{
		"trigger": map[string]any{"text": "scale api", "user": "alice"},
		"check":   map[string]any{"output": "all green", "count": 3},
	}

	tests := []struct {
		in   string
		want string
	}{
		{"${trigger.text}", "scale api"},
		{"by ${trigger.user}: ${check.output}", "by alice: all green"},
		{"count=${check.count}", "count=3"},
		{"token=${DEPLOY_TOKEN}", "token=sekrit"},
		{"${missing.ref}", "${missing.ref}"},
		{"${NOT_SET_ENV_VAR}", "${NOT_SET_ENV_VAR}"},
		{"no refs at all", "no refs at all"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Expand(tt.in, vars))
	}
}

func TestTransformExports(t *testing.T) {
	cfg := &config.FlowConfig{
		Name: "prep",
		Nodes: []config.FlowNode{
			{ID: "extract", Type: config.NodeTransform, Config: map[string]any{
				"script": "# derive deployment facts\n" +
					"export SERVICE=\"${trigger.service}\"\n" +
					"export REGION='eu-west-1'\n" +
					"export REPLICAS=3\n" +
					"echo not an export\n",
			}},
			{ID: "done", Type: config.NodeEnd},
		},
		Connections: []config.FlowConnection{
			{From: "trigger", To: "extract"},
			{From: "extract", To: "done"},
		},
	}
	exec, err := NewExecutor(cfg, nil)
	require.NoError(t, err)

	state, err := exec.Execute(context.Background(), map[string]any{"service": "api"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, state.CurrentStatus())

	vars := state.VariablesSnapshot()
	assert.Equal(t, "api", vars["SERVICE"])
	assert.Equal(t, "eu-west-1", vars["REGION"])
	assert.Equal(t, "3", vars["REPLICAS"])

	rec, ok := state.Node("extract")
	require.True(t, ok)
	assert.Equal(t, NodeCompleted, rec.Status)
	exports := rec.Output["exports"].(map[string]any)
	assert.Len(t, exports, 3)
}

func TestConditionalRoutesByWhen(t *testing.T) {
	cfg := &config.FlowConfig{
		Name: "triage",
		Nodes: []config.FlowNode{
			{ID: "is_critical", Type: config.NodeConditional, Config: map[string]any{
				"condition": `trigger.severity == "critical"`,
			}},
			{ID: "page", Type: config.NodeEnd},
			{ID: "log", Type: config.NodeEnd},
		},
		Connections: []config.FlowConnection{
			{From: "trigger", To: "is_critical"},
			{From: "is_critical", To: "page", When: "is_critical.result == true"},
			{From: "is_critical", To: "log", When: "is_critical.result == false"},
		},
	}
	exec, err := NewExecutor(cfg, nil)
	require.NoError(t, err)

	state, err := exec.Execute(context.Background(), map[string]any{"severity": "critical"})
	require.NoError(t, err)
	_, paged := state.Node("page")
	_, logged := state.Node("log")
	assert.True(t, paged)
	assert.False(t, logged)

	state, err = exec.Execute(context.Background(), map[string]any{"severity": "low"})
	require.NoError(t, err)
	_, paged = state.Node("page")
	_, logged = state.Node("log")
	assert.False(t, paged)
	assert.True(t, logged)
}

func TestNodeConditionSkips(t *testing.T) {
	cfg := &config.FlowConfig{
		Name: "gated",
		Nodes: []config.FlowNode{
			{ID: "check", Type: config.NodeConditional, Config: map[string]any{
				"condition": `trigger.ok == true`,
			}},
			{
				ID: "act", Type: config.NodeEnd,
				Conditions: []config.NodeCondition{{From: "check", Value: "true"}},
			},
		},
		Connections: []config.FlowConnection{
			{From: "trigger", To: "check"},
			{From: "check", To: "act"},
		},
	}
	exec, err := NewExecutor(cfg, nil)
	require.NoError(t, err)

	state, err := exec.Execute(context.Background(), map[string]any{"ok": false})
	require.NoError(t, err)
	rec, found := state.Node("act")
	require.True(t, found)
	assert.Equal(t, NodeSkipped, rec.Status)
}

type fakeNotifier struct {
	posts []struct{ platform, channel, message string }
	err   error
}

func (f *fakeNotifier) PostMessage(_ context.Context, platform, channel, message string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.posts = append(f.posts, struct{ platform, channel, message string }{platform, channel, message})
	return "1724500000.000100", nil
}

func TestSlackNodeWaitsForReaction(t *testing.T) {
	cfg := &config.FlowConfig{
		Name: "approve-deploy",
		Nodes: []config.FlowNode{
			{ID: "ask", Type: config.NodeSlack, Config: map[string]any{
				"channel":           "deploys",
				"message":           "Deploy ${trigger.service}?",
				"wait_for_reaction": true,
			}},
			{ID: "done", Type: config.NodeEnd},
		},
		Connections: []config.FlowConnection{
			{From: "trigger", To: "ask"},
			{From: "ask", To: "done", When: "ask.reaction == \"approved\""},
		},
	}
	notifier := &fakeNotifier{}
	exec, err := NewExecutor(cfg, nil, WithNotifier(notifier))
	require.NoError(t, err)

	state, err := exec.Execute(context.Background(), map[string]any{"service": "api"})
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, state.CurrentStatus())
	assert.Equal(t, "ask", state.WaitingNode)
	require.Len(t, notifier.posts, 1)
	assert.Equal(t, "slack", notifier.posts[0].platform)
	assert.Equal(t, "Deploy api?", notifier.posts[0].message)

	require.NoError(t, exec.Resume(context.Background(), state, map[string]any{
		"reaction": "approved",
	}))
	assert.Equal(t, StatusCompleted, state.CurrentStatus())
	_, reached := state.Node("done")
	assert.True(t, reached)
}

func TestResumeRequiresWaitingState(t *testing.T) {
	cfg := &config.FlowConfig{
		Name:  "simple",
		Nodes: []config.FlowNode{{ID: "done", Type: config.NodeEnd}},
		Connections: []config.FlowConnection{
			{From: "trigger", To: "done"},
		},
	}
	exec, err := NewExecutor(cfg, nil)
	require.NoError(t, err)

	state, err := exec.Execute(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, state.CurrentStatus())

	err = exec.Resume(context.Background(), state, nil)
	var flowErr *FlowError
	require.ErrorAs(t, err, &flowErr)
}

func TestApprovalNodeWaits(t *testing.T) {
	cfg := &config.FlowConfig{
		Name: "gate",
		Nodes: []config.FlowNode{
			{ID: "gate", Type: config.NodeApproval},
			{ID: "done", Type: config.NodeEnd},
		},
		Connections: []config.FlowConnection{
			{From: "trigger", To: "gate"},
			{From: "gate", To: "done"},
		},
	}
	exec, err := NewExecutor(cfg, nil)
	require.NoError(t, err)

	var events []EventType
	exec.sink = func(ev Event) { events = append(events, ev.Type) }

	state, err := exec.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, state.CurrentStatus())
	assert.Contains(t, events, EventWaiting)

	require.NoError(t, exec.Resume(context.Background(), state, map[string]any{"approved": true}))
	assert.Equal(t, StatusCompleted, state.CurrentStatus())
}

func TestJoinStrategies(t *testing.T) {
	cfg := &config.FlowConfig{
		Name: "fanin",
		Nodes: []config.FlowNode{
			{ID: "a", Type: config.NodeEnd},
			{ID: "b", Type: config.NodeEnd},
			{ID: "c", Type: config.NodeEnd},
			{ID: "merge", Type: config.NodeJoin, Config: map[string]any{"strategy": "any"}},
		},
		Connections: []config.FlowConnection{
			{From: "a", To: "merge"},
			{From: "b", To: "merge"},
		},
	}
	exec, err := NewExecutor(cfg, nil)
	require.NoError(t, err)

	state := NewState("fanin", nil)
	state.recordNode("a", &NodeRecord{Status: NodeCompleted})
	state.recordNode("b", &NodeRecord{Status: NodeFailed})

	node, _ := cfg.Node("merge")
	out := exec.runJoin(state, node)
	assert.Equal(t, []string{"a"}, out["completed"])
	assert.Equal(t, 1, out["required"])
	assert.Equal(t, true, out["satisfied"])

	node.Config["strategy"] = "all"
	out = exec.runJoin(state, node)
	assert.Equal(t, 2, out["required"])
	assert.Equal(t, false, out["satisfied"])

	node.Config["strategy"] = "majority"
	out = exec.runJoin(state, node)
	assert.Equal(t, 2, out["required"])

	// Three branches: the quorum is ceil(3/2)+1 = 3.
	cfg.Connections = append(cfg.Connections, config.FlowConnection{From: "c", To: "merge"})
	out = exec.runJoin(state, node)
	assert.Equal(t, 3, out["required"])
	assert.Equal(t, false, out["satisfied"])
}

func TestJoinGatesUntilBranchesArrive(t *testing.T) {
	cfg := &config.FlowConfig{
		Name: "gated",
		Nodes: []config.FlowNode{
			{ID: "a", Type: config.NodeTransform, Config: map[string]any{"script": "export A=done"}},
			{ID: "b1", Type: config.NodeTransform, Config: map[string]any{"script": "export B=done"}},
			{ID: "b2", Type: config.NodeWait, Config: map[string]any{"duration": "80ms"}},
			{ID: "gate", Type: config.NodeJoin, Config: map[string]any{"strategy": "all"}},
			{ID: "after", Type: config.NodeTransform, Config: map[string]any{"script": "export AFTER=done"}},
			{ID: "finish", Type: config.NodeEnd},
		},
		Connections: []config.FlowConnection{
			{From: "trigger", To: "a"},
			{From: "trigger", To: "b1"},
			{From: "a", To: "gate"},
			{From: "b1", To: "b2"},
			{From: "b2", To: "gate"},
			{From: "gate", To: "after"},
			{From: "after", To: "finish"},
		},
	}
	exec, err := NewExecutor(cfg, nil)
	require.NoError(t, err)

	state, err := exec.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, state.CurrentStatus())

	// The gate only completes once the slow branch has reached it, and its
	// successor runs exactly then.
	gate, ok := state.Node("gate")
	require.True(t, ok)
	assert.Equal(t, NodeCompleted, gate.Status)
	assert.Equal(t, true, gate.Output["satisfied"])
	assert.ElementsMatch(t, []string{"a", "b2"}, gate.Output["completed"])

	after, ok := state.Node("after")
	require.True(t, ok)
	assert.Equal(t, NodeCompleted, after.Status)
}

func TestParseWaitDuration(t *testing.T) {
	tests := []struct {
		raw  any
		want time.Duration
	}{
		{nil, time.Second},
		{2, 2 * time.Second},
		{0.5, 500 * time.Millisecond},
		{"3", 3 * time.Second},
		{"250ms", 250 * time.Millisecond},
		{"2m", 2 * time.Minute},
	}
	for _, tt := range tests {
		got, err := parseWaitDuration(tt.raw)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := parseWaitDuration([]string{"bad"})
	assert.Error(t, err)
}

func TestValidateRejectsBrokenGraphs(t *testing.T) {
	unknownType := &config.FlowConfig{
		Name:  "bad",
		Nodes: []config.FlowNode{{ID: "x", Type: "teleport"}},
	}
	_, err := NewExecutor(unknownType, nil)
	require.Error(t, err)

	danglingEdge := &config.FlowConfig{
		Name:        "bad",
		Nodes:       []config.FlowNode{{ID: "x", Type: config.NodeEnd}},
		Connections: []config.FlowConnection{{From: "x", To: "nowhere"}},
	}
	_, err = NewExecutor(danglingEdge, nil)
	require.Error(t, err)
}
