package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/aofdev/aof/llms"
)

// defaultAllowedCommands is the sandbox allowlist applied when the tool
// config names none.
var defaultAllowedCommands = []string{
	"cat", "head", "tail", "ls", "find", "grep", "wc", "pwd",
	"git", "kubectl", "helm", "curl", "echo", "date",
}

// CommandTool executes shell commands under an allowlist and a timeout.
type CommandTool struct {
	allowed    map[string]bool
	workingDir string
	sandboxed  bool
	timeout    time.Duration
}

// NewCommandTool builds the execute_command tool from its per-tool config
// mapping (allowed_commands, working_directory, enable_sandboxing).
func NewCommandTool(cfg map[string]any, timeout time.Duration) (*CommandTool, error) {
	t := &CommandTool{
		allowed:    make(map[string]bool),
		workingDir: "./",
		sandboxed:  true,
		timeout:    timeout,
	}

	var names []string
	if raw, ok := cfg["allowed_commands"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				names = append(names, s)
			}
		}
	}
	if len(names) == 0 {
		names = defaultAllowedCommands
	}
	for _, name := range names {
		t.allowed[name] = true
	}

	if dir, ok := cfg["working_directory"].(string); ok && dir != "" {
		t.workingDir = dir
	}
	if sandboxed, ok := cfg["enable_sandboxing"].(bool); ok {
		t.sandboxed = sandboxed
	}
	return t, nil
}

func (t *CommandTool) Definition() llms.ToolDefinition {
	return llms.ToolDefinition{
		Name:        "execute_command",
		Description: "Execute a shell command and return its combined output",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "Shell command to execute (pipes and redirects supported)",
				},
				"working_dir": map[string]any{
					"type":        "string",
					"description": "Working directory (optional)",
				},
			},
			"required": []string{"command"},
		},
	}
}

func (t *CommandTool) Execute(ctx context.Context, args map[string]any) Result {
	start := time.Now()

	command, _ := args["command"].(string)
	if command == "" {
		return errorResult(start, "command parameter is required")
	}

	workingDir, _ := args["working_dir"].(string)
	if workingDir == "" {
		workingDir = t.workingDir
	}

	if t.sandboxed {
		base := extractBaseCommand(command)
		if !t.allowed[base] {
			return errorResult(start, "command not allowed: %s", base)
		}
	}

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workingDir

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return errorResult(start, "command timed out after %v", t.timeout)
		}
		return Result{
			OK:        false,
			Data:      string(output),
			ErrorText: fmt.Sprintf("command failed: %v", err),
			Duration:  time.Since(start),
		}
	}

	return Result{OK: true, Data: string(output), Duration: time.Since(start)}
}

// extractBaseCommand gets the first word of the first command in a pipeline.
func extractBaseCommand(command string) string {
	parts := strings.FieldsFunc(command, func(r rune) bool {
		return r == '|' || r == '>' || r == '<' || r == ';' || r == '&'
	})
	if len(parts) == 0 {
		return ""
	}
	fields := strings.Fields(strings.TrimSpace(parts[0]))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

var _ Tool = (*CommandTool)(nil)
