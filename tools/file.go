package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aofdev/aof/llms"
)

// WriteFileTool writes text files under a confined root directory.
type WriteFileTool struct {
	root string
}

// NewWriteFileTool builds the write_file tool. The root defaults to the
// current directory; writes escaping it are rejected.
func NewWriteFileTool(cfg map[string]any) (*WriteFileTool, error) {
	root := "."
	if dir, ok := cfg["root"].(string); ok && dir != "" {
		root = dir
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, NewToolError("WriteFileTool", "Build", "invalid root directory", err)
	}
	return &WriteFileTool{root: abs}, nil
}

func (t *WriteFileTool) Definition() llms.ToolDefinition {
	return llms.ToolDefinition{
		Name:        "write_file",
		Description: "Write content to a file, creating parent directories as needed",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "File path relative to the workspace root",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "File content",
				},
			},
			"required": []string{"path", "content"},
		},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) Result {
	start := time.Now()

	path, _ := args["path"].(string)
	if path == "" {
		return errorResult(start, "path parameter is required")
	}
	content, _ := args["content"].(string)

	target := filepath.Join(t.root, filepath.Clean(path))
	if !strings.HasPrefix(target, t.root+string(os.PathSeparator)) && target != t.root {
		return errorResult(start, "path escapes workspace root: %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errorResult(start, "failed to create directories: %v", err)
	}
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		return errorResult(start, "failed to write file: %v", err)
	}

	return Result{
		OK:       true,
		Data:     fmt.Sprintf("wrote %d bytes to %s", len(content), path),
		Duration: time.Since(start),
	}
}

var _ Tool = (*WriteFileTool)(nil)
