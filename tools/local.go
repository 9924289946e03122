package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/aofdev/aof/config"
	"github.com/aofdev/aof/llms"
	"github.com/aofdev/aof/registry"
)

// Tool is one locally-implemented tool.
type Tool interface {
	// Definition returns the catalogue entry advertised to the model.
	Definition() llms.ToolDefinition

	// Execute runs the tool. Failures are reported in the result.
	Execute(ctx context.Context, args map[string]any) Result
}

// LocalExecutor serves builtin tools in-process.
type LocalExecutor struct {
	tools *registry.BaseRegistry[Tool]
}

// NewLocalExecutor builds a local executor from tool specs. Disabled tools
// are skipped; unknown names are a config error.
func NewLocalExecutor(specs []config.ToolSpec) (*LocalExecutor, error) {
	e := &LocalExecutor{tools: registry.NewBaseRegistry[Tool]()}
	for _, spec := range specs {
		if !spec.IsEnabled() {
			continue
		}
		var (
			t   Tool
			err error
		)
		switch spec.Name {
		case "execute_command":
			t, err = NewCommandTool(spec.Config, timeoutOf(spec))
		case "write_file":
			t, err = NewWriteFileTool(spec.Config)
		default:
			return nil, NewToolError("LocalExecutor", "Build",
				fmt.Sprintf("unknown builtin tool %q", spec.Name), nil)
		}
		if err != nil {
			return nil, err
		}
		if err := e.tools.Register(spec.Name, t); err != nil {
			return nil, NewToolError("LocalExecutor", "Build",
				fmt.Sprintf("duplicate tool %q", spec.Name), err)
		}
	}
	return e, nil
}

func timeoutOf(spec config.ToolSpec) time.Duration {
	if spec.Timeout != nil && spec.Timeout.Duration() > 0 {
		return spec.Timeout.Duration()
	}
	return DefaultToolTimeout
}

func (e *LocalExecutor) ListTools(ctx context.Context) ([]llms.ToolDefinition, error) {
	names := e.tools.Names()
	defs := make([]llms.ToolDefinition, 0, len(names))
	for _, name := range names {
		t, _ := e.tools.Get(name)
		defs = append(defs, t.Definition())
	}
	return defs, nil
}

func (e *LocalExecutor) Execute(ctx context.Context, name string, args map[string]any) (result Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = errorResult(start, "tool %s panicked: %v", name, r)
		}
	}()

	t, ok := e.tools.Get(name)
	if !ok {
		return errorResult(start, "unknown tool %q", name)
	}
	return t.Execute(ctx, args)
}

func (e *LocalExecutor) Close() error { return nil }

var _ Executor = (*LocalExecutor)(nil)
