package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aofdev/aof/config"
	"github.com/aofdev/aof/llms"
	"github.com/aofdev/aof/memory"
	"github.com/aofdev/aof/registry"
	"github.com/aofdev/aof/tools"
)

// DrainTimeout bounds waiting for in-flight executions during replace and
// shutdown.
const DrainTimeout = 300 * time.Second

// entry pairs an executor with its in-flight execution counter.
type entry struct {
	exec     *Executor
	inFlight atomic.Int64
}

// Registry is the process-wide mapping of agent names to executors.
type Registry struct {
	mu      sync.Mutex
	entries *registry.BaseRegistry[*entry]
	logger  *slog.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		entries: registry.NewBaseRegistry[*entry](),
		logger:  slog.Default().With("component", "agent-registry"),
	}
}

// LoadFromConfig validates the config, constructs the executor's
// dependencies, and inserts it. Replacing a busy agent fails with
// AlreadyExistsAndBusy.
func (r *Registry) LoadFromConfig(ctx context.Context, cfg *config.AgentConfig) (string, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	ref := llms.ParseModelRef(cfg.Model, cfg.Provider)
	provider, err := llms.NewProvider(ctx, ref, cfg.Extras)
	if err != nil {
		return "", NewAgentError(cfg.Name, ErrInternal, "failed to build model provider", err)
	}
	toolExec, err := tools.ForAgent(cfg)
	if err != nil {
		return "", err
	}
	mem, err := memory.New(cfg.Memory)
	if err != nil {
		_ = toolExec.Close()
		return "", err
	}

	if err := r.insert(New(cfg, provider, toolExec, mem)); err != nil {
		return "", err
	}
	r.logger.Info("loaded agent", "name", cfg.Name, "model", provider.Model())
	return cfg.Name, nil
}

// insert registers the executor under its name, drain-replacing an idle
// predecessor. Replacing a busy agent fails with AlreadyExistsAndBusy.
func (r *Registry) insert(exec *Executor) error {
	name := exec.Name()
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.entries.Get(name); ok {
		if old.inFlight.Load() > 0 {
			_ = exec.Close()
			return NewAgentError(name, ErrAlreadyExists,
				"agent exists with in-flight executions", nil)
		}
		_ = old.exec.Close()
		r.entries.Replace(name, &entry{exec: exec})
		return nil
	}
	if err := r.entries.Register(name, &entry{exec: exec}); err != nil {
		_ = exec.Close()
		return NewAgentError(name, ErrInternal, "failed to register agent", err)
	}
	return nil
}

// LoadFromFile parses one resource file and loads the agent it declares.
func (r *Registry) LoadFromFile(ctx context.Context, path string) (string, error) {
	res, err := config.LoadResource(path)
	if err != nil {
		return "", err
	}
	cfg, err := config.AgentFromResource(res)
	if err != nil {
		return "", err
	}
	return r.LoadFromConfig(ctx, cfg)
}

// LoadDirectory loads every *.yaml/*.yml agent resource under dir. Files of
// other kinds are skipped. Returns the number of agents loaded.
func (r *Registry) LoadDirectory(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, NewAgentError("", ErrInternal, fmt.Sprintf("failed to read directory %s", dir), err)
	}

	count := 0
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(de.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, de.Name())
		res, err := config.LoadResource(path)
		if err != nil {
			return count, err
		}
		if res.Kind != config.KindAgent {
			continue
		}
		cfg, err := config.AgentFromResource(res)
		if err != nil {
			return count, err
		}
		if _, err := r.LoadFromConfig(ctx, cfg); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// Get returns the executor registered under name.
func (r *Registry) Get(name string) (*Executor, bool) {
	e, ok := r.entries.Get(name)
	if !ok {
		return nil, false
	}
	return e.exec, true
}

// Names returns registered agent names in sorted order.
func (r *Registry) Names() []string {
	names := r.entries.Names()
	sort.Strings(names)
	return names
}

// Execute runs a registered agent to completion.
func (r *Registry) Execute(ctx context.Context, name, input string) (string, error) {
	return r.execute(ctx, name, input, nil)
}

// ExecuteStreaming runs a registered agent, emitting events to sink.
func (r *Registry) ExecuteStreaming(ctx context.Context, name, input string, sink EventSink) (string, error) {
	return r.execute(ctx, name, input, sink)
}

func (r *Registry) execute(ctx context.Context, name, input string, sink EventSink) (string, error) {
	e, ok := r.entries.Get(name)
	if !ok {
		return "", NewAgentError(name, ErrNotFound, "agent not registered", nil)
	}

	e.inFlight.Add(1)
	defer e.inFlight.Add(-1)

	actx := NewAgentContext(input)
	if sink != nil {
		return e.exec.ExecuteStreaming(ctx, actx, sink)
	}
	return e.exec.Execute(ctx, actx)
}

// Shutdown waits for in-flight executions to drain, bounded by DrainTimeout,
// then closes every executor.
func (r *Registry) Shutdown(ctx context.Context) error {
	deadline := time.Now().Add(DrainTimeout)
	for {
		busy := 0
		for _, name := range r.entries.Names() {
			if e, ok := r.entries.Get(name); ok && e.inFlight.Load() > 0 {
				busy++
			}
		}
		if busy == 0 {
			break
		}
		if time.Now().After(deadline) {
			r.logger.Warn("shutdown drain timed out", "busy", busy)
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	for _, name := range r.entries.Names() {
		if e, ok := r.entries.Get(name); ok {
			if err := e.exec.Close(); err != nil {
				r.logger.Warn("failed to close agent", "name", name, "error", err)
			}
		}
	}
	r.entries.Clear()
	return nil
}
