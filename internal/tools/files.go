package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/aide/pkg/models"
)

// Workspace scopes local file tools to a root directory. Relative paths
// resolve against the root; absolute paths must stay inside it.
type Workspace struct {
	Root string
}

// Resolve returns the cleaned absolute path for path, or an error when
// the path is empty or escapes the workspace root.
func (w Workspace) Resolve(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", errors.New("path is required")
	}
	root := strings.TrimSpace(w.Root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	target := trimmed
	if !filepath.IsAbs(target) {
		target = filepath.Join(rootAbs, target)
	}
	target = filepath.Clean(target)
	rel, err := filepath.Rel(rootAbs, target)
	if err != nil {
		return "", fmt.Errorf("resolve path %q: %w", path, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q escapes the workspace", path)
	}
	return target, nil
}

// FileCreateTool writes files inside the workspace. It backs the
// file_create catalog entry when aide runs in desktop mode and
// client-target tasks execute in-process. An existing file at the path
// is overwritten, which keeps re-dispatched tasks idempotent.
type FileCreateTool struct {
	Schemas
	workspace Workspace
}

// NewFileCreateTool creates the file_create builtin scoped to root.
func NewFileCreateTool(root string) *FileCreateTool {
	return &FileCreateTool{workspace: Workspace{Root: root}}
}

// Name returns the tool name.
func (t *FileCreateTool) Name() string { return "file_create" }

// Execute writes the "content" input to the "path" input, creating
// missing parent directories.
func (t *FileCreateTool) Execute(ctx context.Context, inputs map[string]any) (*models.TaskOutput, error) {
	if err := t.ValidateInputs(inputs); err != nil {
		return models.Failure("invalid inputs: %v", err), nil
	}
	path, err := stringInput(inputs, "path")
	if err != nil {
		return models.Failure("%v", err), nil
	}
	if strings.TrimSpace(path) == "" {
		return models.Failure("input %q is required", "path"), nil
	}
	content, err := stringInput(inputs, "content")
	if err != nil {
		return models.Failure("%v", err), nil
	}

	abs, err := t.workspace.Resolve(path)
	if err != nil {
		return models.Failure("%v", err), nil
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return models.Failure("create parent directories: %v", err), nil
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return models.Failure("write file: %v", err), nil
	}
	return &models.TaskOutput{
		Success: true,
		Data: map[string]any{
			"path":  abs,
			"bytes": len(content),
		},
	}, nil
}

// FolderCreateTool creates directories inside the workspace. It backs
// the folder_create catalog entry in desktop mode.
type FolderCreateTool struct {
	Schemas
	workspace Workspace
}

// NewFolderCreateTool creates the folder_create builtin scoped to root.
func NewFolderCreateTool(root string) *FolderCreateTool {
	return &FolderCreateTool{workspace: Workspace{Root: root}}
}

// Name returns the tool name.
func (t *FolderCreateTool) Name() string { return "folder_create" }

// Execute creates the "path" input directory and any missing parents.
func (t *FolderCreateTool) Execute(ctx context.Context, inputs map[string]any) (*models.TaskOutput, error) {
	if err := t.ValidateInputs(inputs); err != nil {
		return models.Failure("invalid inputs: %v", err), nil
	}
	path, err := stringInput(inputs, "path")
	if err != nil {
		return models.Failure("%v", err), nil
	}
	if strings.TrimSpace(path) == "" {
		return models.Failure("input %q is required", "path"), nil
	}

	abs, err := t.workspace.Resolve(path)
	if err != nil {
		return models.Failure("%v", err), nil
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return models.Failure("create folder: %v", err), nil
	}
	return &models.TaskOutput{
		Success: true,
		Data:    map[string]any{"path": abs},
	}, nil
}
