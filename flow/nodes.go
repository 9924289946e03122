package flow

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/aofdev/aof/config"
	"github.com/aofdev/aof/expr"
	"github.com/aofdev/aof/internal/httpclient"
)

// dispatch executes one node by type. A non-empty waiting reason pauses the
// flow at this node.
func (e *Executor) dispatch(ctx context.Context, state *State, node *config.FlowNode) (output map[string]any, waiting string, err error) {
	switch node.Type {
	case config.NodeTransform:
		return e.runTransform(state, node), "", nil
	case config.NodeAgent:
		output, err = e.runAgent(ctx, state, node)
		return output, "", err
	case config.NodeConditional:
		condition, _ := node.Config["condition"].(string)
		result := expr.Evaluate(condition, state.VariablesSnapshot(), nil)
		return map[string]any{"result": result}, "", nil
	case config.NodeSlack, config.NodeDiscord:
		return e.runMessage(ctx, state, node)
	case config.NodeHTTP:
		output, err = e.runHTTP(ctx, state, node)
		return output, "", err
	case config.NodeWait:
		return e.runWait(ctx, node)
	case config.NodeParallel:
		branches, _ := node.Config["branches"].([]any)
		return map[string]any{"branches": branches, "fan_out": true}, "", nil
	case config.NodeJoin:
		return e.runJoin(state, node), "", nil
	case config.NodeApproval:
		return map[string]any{"reason": "approval"}, "approval", nil
	case config.NodeEnd:
		return map[string]any{"done": true}, "", nil
	default:
		return nil, "", fmt.Errorf("unknown node type %q", node.Type)
	}
}

// runTransform expands the script and applies its export KEY=VALUE lines to
// the flow variables. Everything else in the script is informational.
func (e *Executor) runTransform(state *State, node *config.FlowNode) map[string]any {
	script, _ := node.Config["script"].(string)
	expanded := Expand(script, state.VariablesSnapshot())

	exports := make(map[string]any)
	for _, line := range strings.Split(expanded, "\n") {
		line = strings.TrimSpace(line)
		rest, ok := strings.CutPrefix(line, "export ")
		if !ok {
			continue
		}
		key, value, ok := strings.Cut(rest, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if unquoted, err := strconv.Unquote(value); err == nil {
			value = unquoted
		} else {
			value = strings.Trim(value, "'")
		}
		state.SetVariable(key, value)
		exports[key] = value
	}
	return map[string]any{"exports": exports}
}

// runAgent resolves the node's agent (inline spec or registry reference),
// applies the flow context process-wide, and executes it.
func (e *Executor) runAgent(ctx context.Context, state *State, node *config.FlowNode) (map[string]any, error) {
	name, err := e.resolveAgent(ctx, node)
	if err != nil {
		return nil, err
	}

	vars := state.VariablesSnapshot()
	input, _ := node.Config["input"].(string)
	if input == "" {
		input = "${trigger.text}"
	}
	input = Expand(input, vars)

	// Flow context mutates process environment; hold the mutex across the
	// execution so concurrent agent nodes do not interleave environments.
	contextMu.Lock()
	restore := e.applyFlowContext()
	text, execErr := e.agents.Execute(ctx, name, input)
	restore()
	contextMu.Unlock()

	if execErr != nil {
		return nil, execErr
	}
	return map[string]any{
		"agent":             name,
		"input":             input,
		"output":            text,
		"requires_approval": false,
	}, nil
}

// resolveAgent loads the node's inline spec into the registry when the name
// is not yet registered.
func (e *Executor) resolveAgent(ctx context.Context, node *config.FlowNode) (string, error) {
	if name, ok := node.Config["agent"].(string); ok && name != "" {
		if _, registered := e.agents.Get(name); registered {
			return name, nil
		}
		if ref, ok := node.Config["config"].(string); ok && ref != "" {
			return e.agents.LoadFromFile(ctx, ref)
		}
		return "", fmt.Errorf("agent %q not registered and node declares no config path", name)
	}

	specRaw, ok := node.Config["spec"].(map[string]any)
	if !ok {
		return "", fmt.Errorf("agent node requires an agent reference or an inline spec")
	}
	var cfg config.AgentConfig
	if err := mapstructure.Decode(specRaw, &cfg); err != nil {
		return "", fmt.Errorf("invalid inline agent spec: %w", err)
	}
	if cfg.Name == "" {
		cfg.Name = e.cfg.Name + "-" + node.ID
	}
	if _, registered := e.agents.Get(cfg.Name); registered {
		return cfg.Name, nil
	}
	return e.agents.LoadFromConfig(ctx, &cfg)
}

// applyFlowContext sets the flow's kubeconfig, namespace, cluster, working
// directory, and env overrides. The returned func restores prior values.
func (e *Executor) applyFlowContext() func() {
	fc := e.cfg.Context
	if fc == nil {
		return func() {}
	}

	overrides := make(map[string]string)
	if fc.Kubeconfig != "" {
		overrides["KUBECONFIG"] = fc.Kubeconfig
	}
	if fc.Namespace != "" {
		overrides["K8S_NAMESPACE"] = fc.Namespace
	}
	if fc.Cluster != "" {
		overrides["K8S_CLUSTER"] = fc.Cluster
	}
	for k, v := range fc.Env {
		overrides[k] = v
	}

	type saved struct {
		value string
		had   bool
	}
	previous := make(map[string]saved, len(overrides))
	for k, v := range overrides {
		old, had := os.LookupEnv(k)
		previous[k] = saved{value: old, had: had}
		_ = os.Setenv(k, v)
	}

	prevDir := ""
	if fc.WorkingDir != "" {
		if wd, err := os.Getwd(); err == nil {
			prevDir = wd
		}
		if err := os.Chdir(fc.WorkingDir); err != nil {
			e.logger.Warn("failed to apply working directory", "dir", fc.WorkingDir, "error", err)
			prevDir = ""
		}
	}

	return func() {
		for k, s := range previous {
			if s.had {
				_ = os.Setenv(k, s.value)
			} else {
				_ = os.Unsetenv(k)
			}
		}
		if prevDir != "" {
			_ = os.Chdir(prevDir)
		}
	}
}

// runMessage posts to slack or discord via the notifier. A slack node with
// wait_for_reaction pauses the flow.
func (e *Executor) runMessage(ctx context.Context, state *State, node *config.FlowNode) (map[string]any, string, error) {
	if e.notifier == nil {
		return nil, "", fmt.Errorf("no platform notifier configured")
	}

	vars := state.VariablesSnapshot()
	channel, _ := node.Config["channel"].(string)
	message, _ := node.Config["message"].(string)
	channel = Expand(channel, vars)
	message = Expand(message, vars)

	ts, err := e.notifier.PostMessage(ctx, string(node.Type), channel, message)
	if err != nil {
		return nil, "", err
	}

	output := map[string]any{"channel": channel, "message": message, "ts": ts}
	if wait, _ := node.Config["wait_for_reaction"].(bool); wait && node.Type == config.NodeSlack {
		return output, "reaction", nil
	}
	return output, "", nil
}

// runHTTP resolves method/url/body and performs the request with
// retry/backoff.
func (e *Executor) runHTTP(ctx context.Context, state *State, node *config.FlowNode) (map[string]any, error) {
	vars := state.VariablesSnapshot()
	method, _ := node.Config["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	url, _ := node.Config["url"].(string)
	body, _ := node.Config["body"].(string)
	url = Expand(url, vars)
	body = Expand(body, vars)

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, reader)
	if err != nil {
		return nil, err
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(body)), nil
		}
	}

	client := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	)
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"status": resp.StatusCode,
		"body":   string(respBody),
	}, nil
}

// runWait sleeps for the configured duration. Bare numbers are seconds.
func (e *Executor) runWait(ctx context.Context, node *config.FlowNode) (map[string]any, string, error) {
	raw := node.Config["duration"]
	d, err := parseWaitDuration(raw)
	if err != nil {
		return nil, "", err
	}
	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	case <-time.After(d):
	}
	return map[string]any{"waited": d.String()}, "", nil
}

func parseWaitDuration(raw any) (time.Duration, error) {
	switch v := raw.(type) {
	case nil:
		return time.Second, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case string:
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(n * float64(time.Second)), nil
		}
		return config.ParseDuration(v)
	default:
		return 0, fmt.Errorf("invalid wait duration %v", raw)
	}
}

// runJoin summarises the branches that reached this join and whether the
// gate's strategy is satisfied.
func (e *Executor) runJoin(state *State, node *config.FlowNode) map[string]any {
	var incoming []string
	for _, conn := range e.cfg.Connections {
		if conn.To == node.ID {
			incoming = append(incoming, conn.From)
		}
	}

	var completed []string
	for _, from := range incoming {
		if rec, ok := state.Node(from); ok && rec.Status == NodeCompleted {
			completed = append(completed, from)
		}
	}

	strategy, _ := node.Config["strategy"].(string)
	required := len(incoming)
	switch strategy {
	case "any":
		required = 1
	case "majority":
		// Quorum is ceil(n/2) + 1, capped at the branch count.
		required = (len(incoming)+1)/2 + 1
		if required > len(incoming) {
			required = len(incoming)
		}
	}

	return map[string]any{
		"completed": completed,
		"required":  required,
		"satisfied": len(completed) >= required,
	}
}
