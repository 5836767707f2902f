package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const maxReadBytes = 200000

// workspaceResolver confines paths to the workspace root.
type workspaceResolver struct {
	root string
}

func (r workspaceResolver) resolve(p string) (string, error) {
	if r.root == "" {
		return "", fmt.Errorf("workspace directory is not configured")
	}
	joined := filepath.Join(r.root, filepath.Clean("/"+p))
	rel, err := filepath.Rel(r.root, joined)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %q escapes the workspace", p)
	}
	return joined, nil
}

// NewFilesystemTools returns the list/read/write tools scoped to the
// workspace directory.
func NewFilesystemTools(workspaceDir string) []Tool {
	res := workspaceResolver{root: workspaceDir}
	return []Tool{
		&listDirTool{res},
		&readFileTool{res},
		&writeFileTool{res},
	}
}

type listDirTool struct {
	res workspaceResolver
}

func (t *listDirTool) Name() string { return "filesystem_list_directory" }
func (t *listDirTool) Description() string {
	return "List the entries of a directory inside the workspace."
}
func (t *listDirTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Directory path relative to the workspace root.",
			},
		},
		"required": []string{"path"},
	})
}

func (t *listDirTool) Execute(ctx context.Context, inv *Invocation, args json.RawMessage) (*Result, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	full, err := t.res.resolve(in.Path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return &Result{Content: strings.Join(names, "\n")}, nil
}

type readFileTool struct {
	res workspaceResolver
}

func (t *readFileTool) Name() string { return "filesystem_read_file" }
func (t *readFileTool) Description() string {
	return "Read a text file from the workspace. Output is truncated past 200 KB."
}
func (t *readFileTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "File path relative to the workspace root.",
			},
		},
		"required": []string{"path"},
	})
}

func (t *readFileTool) Execute(ctx context.Context, inv *Invocation, args json.RawMessage) (*Result, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	full, err := t.res.resolve(in.Path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, err
	}
	if len(data) > maxReadBytes {
		return &Result{Content: string(data[:maxReadBytes]) + "\n[truncated]"}, nil
	}
	return &Result{Content: string(data)}, nil
}

type writeFileTool struct {
	res workspaceResolver
}

func (t *writeFileTool) Name() string { return "filesystem_write_file" }
func (t *writeFileTool) Description() string {
	return "Write a text file inside the workspace, creating parent directories as needed."
}
func (t *writeFileTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "File path relative to the workspace root.",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Full file content to write.",
			},
		},
		"required": []string{"path", "content"},
	})
}

func (t *writeFileTool) Execute(ctx context.Context, inv *Invocation, args json.RawMessage) (*Result, error) {
	var in struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	full, err := t.res.resolve(in.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(full, []byte(in.Content), 0o644); err != nil {
		return nil, err
	}
	return &Result{Content: fmt.Sprintf("wrote %d bytes to %s", len(in.Content), in.Path)}, nil
}
