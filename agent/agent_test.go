package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aofdev/aof/config"
	"github.com/aofdev/aof/llms"
	"github.com/aofdev/aof/tools"
)

// scriptedProvider replays a fixed sequence of completions or errors.
type scriptedProvider struct {
	mu    sync.Mutex
	turns []any // *llms.Completion or error
	seen  [][]llms.Message
}

func (p *scriptedProvider) Name() string  { return "scripted" }
func (p *scriptedProvider) Model() string { return "scripted-1" }

func (p *scriptedProvider) Invoke(ctx context.Context, messages []llms.Message, defs []llms.ToolDefinition, opts llms.Options) (*llms.Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	snapshot := make([]llms.Message, len(messages))
	copy(snapshot, messages)
	p.seen = append(p.seen, snapshot)

	if len(p.turns) == 0 {
		return nil, errors.New("script exhausted")
	}
	turn := p.turns[0]
	p.turns = p.turns[1:]
	if err, ok := turn.(error); ok {
		return nil, err
	}
	return turn.(*llms.Completion), nil
}

// fakeTools records executed calls and answers with canned data.
type fakeTools struct {
	mu       sync.Mutex
	executed []string
}

func (f *fakeTools) ListTools(ctx context.Context) ([]llms.ToolDefinition, error) {
	return []llms.ToolDefinition{{Name: "lookup", Description: "lookup things"}}, nil
}

func (f *fakeTools) Execute(ctx context.Context, name string, args map[string]any) tools.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, name)
	return tools.Result{OK: true, Data: "result of " + name}
}

func (f *fakeTools) Close() error { return nil }

func testConfig(name string, iterations int) *config.AgentConfig {
	cfg := &config.AgentConfig{Name: name, Model: "scripted-1", MaxIterations: iterations}
	cfg.ApplyDefaults()
	if iterations > 0 {
		cfg.MaxIterations = iterations
	}
	return cfg
}

func TestExecuteFinalResponse(t *testing.T) {
	provider := &scriptedProvider{turns: []any{
		&llms.Completion{Text: "hello back", Usage: llms.Usage{InputTokens: 3, OutputTokens: 2}},
	}}
	exec := New(testConfig("echo", 0), provider, nil, nil)

	actx := NewAgentContext("hello")
	out, err := exec.Execute(context.Background(), actx)
	require.NoError(t, err)
	assert.Equal(t, "hello back", out)
	assert.Equal(t, 3, actx.Metadata.InputTokens)
	assert.Equal(t, 2, actx.Metadata.OutputTokens)
	assert.Equal(t, "scripted-1", actx.Metadata.Model)

	// user input, then the final assistant message
	require.Len(t, actx.Messages, 2)
	assert.Equal(t, llms.RoleUser, actx.Messages[0].Role)
	assert.Equal(t, llms.RoleAssistant, actx.Messages[1].Role)
}

func TestExecuteToolLoop(t *testing.T) {
	provider := &scriptedProvider{turns: []any{
		&llms.Completion{ToolCalls: []llms.ToolCall{{ID: "c1", Name: "lookup", Arguments: map[string]any{"q": "x"}}}},
		&llms.Completion{Text: "done"},
	}}
	toolExec := &fakeTools{}
	exec := New(testConfig("worker", 0), provider, toolExec, nil)

	actx := NewAgentContext("find x")
	out, err := exec.Execute(context.Background(), actx)
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, []string{"lookup"}, toolExec.executed)
	assert.Equal(t, 1, actx.Metadata.ToolCalls)

	// user, assistant(tool call), tool result, final assistant
	require.Len(t, actx.Messages, 4)
	assert.Equal(t, llms.RoleAssistant, actx.Messages[1].Role)
	require.Len(t, actx.Messages[1].ToolCalls, 1)
	assert.Equal(t, llms.RoleTool, actx.Messages[2].Role)
	assert.Equal(t, "c1", actx.Messages[2].ToolCallID)
	assert.Equal(t, "result of lookup", actx.Messages[2].Content)
	assert.Equal(t, llms.RoleAssistant, actx.Messages[3].Role)
}

func TestExecuteSerializesToolCallsInOrder(t *testing.T) {
	provider := &scriptedProvider{turns: []any{
		&llms.Completion{ToolCalls: []llms.ToolCall{
			{ID: "c1", Name: "first"},
			{ID: "c2", Name: "second"},
			{ID: "c3", Name: "third"},
		}},
		&llms.Completion{Text: "done"},
	}}
	toolExec := &fakeTools{}
	exec := New(testConfig("worker", 0), provider, toolExec, nil)

	_, err := exec.Execute(context.Background(), NewAgentContext("go"))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, toolExec.executed)
}

func TestExecuteRetriesRetryableModelError(t *testing.T) {
	provider := &scriptedProvider{turns: []any{
		llms.NewModelError("scripted", llms.ModelErrorRateLimit, "throttled", true, nil),
		&llms.Completion{Text: "recovered"},
	}}
	exec := New(testConfig("retry", 0), provider, nil, nil)

	out, err := exec.Execute(context.Background(), NewAgentContext("hi"))
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)
	assert.Len(t, provider.seen, 2)
}

func TestExecuteDoesNotRetryPermanentModelError(t *testing.T) {
	provider := &scriptedProvider{turns: []any{
		llms.NewModelError("scripted", llms.ModelErrorAuth, "bad key", false, nil),
		&llms.Completion{Text: "never reached"},
	}}
	exec := New(testConfig("noretry", 0), provider, nil, nil)

	_, err := exec.Execute(context.Background(), NewAgentContext("hi"))
	require.Error(t, err)
	var agentErr *AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, ErrModelFailure, agentErr.Kind)
	assert.Len(t, provider.seen, 1)
}

func TestExecuteIterationsExceeded(t *testing.T) {
	// Every turn requests another tool call; with max_iterations 1 the loop
	// must stop after one round.
	provider := &scriptedProvider{turns: []any{
		&llms.Completion{ToolCalls: []llms.ToolCall{{ID: "c1", Name: "lookup"}}},
		&llms.Completion{ToolCalls: []llms.ToolCall{{ID: "c2", Name: "lookup"}}},
	}}
	exec := New(testConfig("looper", 1), provider, &fakeTools{}, nil)

	_, err := exec.Execute(context.Background(), NewAgentContext("loop"))
	var agentErr *AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, ErrIterationsExceeded, agentErr.Kind)
	assert.Len(t, provider.seen, 1)
}

func TestExecuteCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	provider := &scriptedProvider{turns: []any{&llms.Completion{Text: "unused"}}}
	exec := New(testConfig("cancelled", 0), provider, nil, nil)

	events := make(chan StreamEvent, EventBufferSize)
	_, err := exec.ExecuteStreaming(ctx, NewAgentContext("hi"), events)
	var agentErr *AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, ErrCancelled, agentErr.Kind)

	close(events)
	var last StreamEvent
	for ev := range events {
		last = ev
	}
	assert.Equal(t, EventError, last.Type)
	assert.Equal(t, "Execution cancelled", last.Message)
}

func TestExecuteStreamingEventOrder(t *testing.T) {
	provider := &scriptedProvider{turns: []any{
		&llms.Completion{ToolCalls: []llms.ToolCall{{ID: "c1", Name: "lookup"}}},
		&llms.Completion{Text: "final"},
	}}
	exec := New(testConfig("events", 0), provider, &fakeTools{}, nil)

	events := make(chan StreamEvent, EventBufferSize)
	_, err := exec.ExecuteStreaming(context.Background(), NewAgentContext("go"), events)
	require.NoError(t, err)
	close(events)

	var types []EventType
	for ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []EventType{EventStarted, EventToolCall, EventToolResult, EventFinal}, types)
}

func TestRegistryDrainReplace(t *testing.T) {
	r := NewRegistry()

	first := New(testConfig("worker", 0), &scriptedProvider{}, nil, nil)
	require.NoError(t, r.insert(first))

	// Idle agents are replaced immediately.
	replacement := New(testConfig("worker", 0), &scriptedProvider{}, nil, nil)
	require.NoError(t, r.insert(replacement))

	got, ok := r.Get("worker")
	require.True(t, ok)
	assert.Same(t, replacement, got)
}

func TestRegistryReplaceBusy(t *testing.T) {
	r := NewRegistry()

	started := make(chan struct{})
	release := make(chan struct{})
	blocking := &blockingProvider{started: started, release: release}
	require.NoError(t, r.insert(New(testConfig("busy", 0), blocking, nil, nil)))

	done := make(chan error, 1)
	go func() {
		_, err := r.Execute(context.Background(), "busy", "work")
		done <- err
	}()
	<-started

	err := r.insert(New(testConfig("busy", 0), &scriptedProvider{}, nil, nil))
	var agentErr *AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, ErrAlreadyExists, agentErr.Kind)

	close(release)
	require.NoError(t, <-done)
}

// blockingProvider blocks its first invocation until released.
type blockingProvider struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *blockingProvider) Name() string  { return "blocking" }
func (p *blockingProvider) Model() string { return "blocking-1" }

func (p *blockingProvider) Invoke(ctx context.Context, messages []llms.Message, defs []llms.ToolDefinition, opts llms.Options) (*llms.Completion, error) {
	p.once.Do(func() {
		close(p.started)
		select {
		case <-p.release:
		case <-time.After(5 * time.Second):
		}
	})
	return &llms.Completion{Text: "released"}, nil
}
