package render

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Workspace is the directory that holds chart pages and artifacts. Artifact
// names are relative to Root so an exported report can reference them as is.
type Workspace struct {
	Root string
}

func NewWorkspace(root string) (*Workspace, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	return &Workspace{Root: absRoot}, nil
}

// Path resolves name inside the workspace and rejects anything outside it.
func (w *Workspace) Path(name string) (string, error) {
	targetPath := name
	if !filepath.IsAbs(name) {
		targetPath = filepath.Join(w.Root, name)
	}
	rel, err := filepath.Rel(w.Root, targetPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("unsafe path attempt: %s", name)
	}
	return targetPath, nil
}

// WriteFile writes data under name and returns the absolute path.
func (w *Workspace) WriteFile(name string, data []byte) (string, error) {
	path, err := w.Path(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	return path, nil
}

func (w *Workspace) ReadFile(name string) ([]byte, error) {
	path, err := w.Path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// NewName returns a fresh relative name such as "charts/<uuid>.png".
func (w *Workspace) NewName(dir, ext string) string {
	return filepath.Join(dir, uuid.NewString()+ext)
}
