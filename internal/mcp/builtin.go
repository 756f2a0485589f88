package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BuiltinTool is a tool that runs in-process instead of over a server
// connection. Builtins publish schemas into the same registry as server
// tools, so callers route to them by name without knowing the difference.
type BuiltinTool struct {
	Schema ToolSchema
	Run    func(ctx context.Context, args map[string]interface{}) (string, error)
}

// defaultReadFileMax caps how much of a file the built-in reader returns.
const defaultReadFileMax = 256 * 1024

// NewReadFileTool returns the built-in file-read tool, confined to root.
// Paths are resolved relative to root and may not escape it.
func NewReadFileTool(root string, maxBytes int64) *BuiltinTool {
	if maxBytes <= 0 {
		maxBytes = defaultReadFileMax
	}

	schema := ToolSchema{
		Name:        "file-read",
		Description: "Read a file from the workspace. Returns the file content as text.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File path relative to the workspace root"}
			},
			"required": ["path"]
		}`),
		Required: []string{"path"},
	}

	return &BuiltinTool{
		Schema: schema,
		Run: func(ctx context.Context, args map[string]interface{}) (string, error) {
			path, ok := args["path"].(string)
			if !ok || path == "" {
				return "", fmt.Errorf("path argument is required")
			}

			abs := path
			if !filepath.IsAbs(abs) {
				abs = filepath.Join(root, path)
			}
			abs = filepath.Clean(abs)

			rel, err := filepath.Rel(root, abs)
			if err != nil || strings.HasPrefix(rel, "..") {
				return "", fmt.Errorf("path %s escapes the workspace", path)
			}

			info, err := os.Stat(abs)
			if err != nil {
				return "", fmt.Errorf("read %s: %w", path, err)
			}
			if info.IsDir() {
				return "", fmt.Errorf("%s is a directory", path)
			}
			if info.Size() > maxBytes {
				return "", fmt.Errorf("%s is %d bytes, limit is %d", path, info.Size(), maxBytes)
			}

			data, err := os.ReadFile(abs)
			if err != nil {
				return "", fmt.Errorf("read %s: %w", path, err)
			}
			return string(data), nil
		},
	}
}
