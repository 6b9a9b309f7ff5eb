// Package workspace owns job-scoped scratch directories under one root.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/splax/localvercel/pipeline/internal/fsutil"
)

// Manager owns job-specific working directories under a common root.
type Manager struct {
	root string
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string {
	return m.root
}

// Prepare creates an empty isolated directory for kind/identifier,
// discarding anything left by an earlier attempt.
func (m *Manager) Prepare(kind, identifier string) (string, error) {
	dir, err := m.Reserve(kind, identifier)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Reserve returns a path for kind/identifier that does not exist yet. Its
// parent is created.
func (m *Manager) Reserve(kind, identifier string) (string, error) {
	dir, err := m.path(kind, identifier)
	if err != nil {
		return "", err
	}
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("cleanup workspace: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", fmt.Errorf("create workspace parent: %w", err)
	}
	return dir, nil
}

func (m *Manager) path(kind, identifier string) (string, error) {
	if identifier == "" || kind == "" {
		return "", fmt.Errorf("workspace kind and identifier cannot be empty")
	}
	if strings.ContainsAny(identifier, `/\`) || identifier == "." || identifier == ".." {
		return "", fmt.Errorf("invalid workspace identifier %q", identifier)
	}
	return filepath.Join(m.root, kind, identifier), nil
}

// Cleanup removes a workspace directory.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil || abs == m.root || !fsutil.Within(m.root, abs) {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(abs)
}
