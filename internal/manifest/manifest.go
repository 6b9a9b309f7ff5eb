// Package manifest reads and writes the package.json of a project checkout.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileName is the manifest file name at the project root.
const FileName = "package.json"

// Manifest is the subset of package.json the pipeline reads.
type Manifest struct {
	Name            string            `json:"name,omitempty"`
	Version         string            `json:"version,omitempty"`
	Private         bool              `json:"private,omitempty"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	PackageManager  string            `json:"packageManager,omitempty"`
	Scripts         map[string]string `json:"scripts"`
}

// HasDependency reports whether name appears in dependencies or devDependencies.
func (m *Manifest) HasDependency(name string) bool {
	if m == nil {
		return false
	}
	target := strings.ToLower(strings.TrimSpace(name))
	if target == "" {
		return false
	}
	for dep := range m.Dependencies {
		if strings.EqualFold(dep, target) {
			return true
		}
	}
	for dep := range m.DevDependencies {
		if strings.EqualFold(dep, target) {
			return true
		}
	}
	return false
}

// HasAnyDependency reports whether any of names is declared.
func (m *Manifest) HasAnyDependency(names ...string) bool {
	for _, name := range names {
		if m.HasDependency(name) {
			return true
		}
	}
	return false
}

// DependencyCount returns the number of declared runtime and dev dependencies.
func (m *Manifest) DependencyCount() int {
	if m == nil {
		return 0
	}
	return len(m.Dependencies) + len(m.DevDependencies)
}

// AllDependencies returns every declared dependency with its spec, sorted by name.
func (m *Manifest) AllDependencies() []Dependency {
	if m == nil {
		return nil
	}
	seen := make(map[string]bool)
	var deps []Dependency
	for _, group := range []map[string]string{m.Dependencies, m.DevDependencies} {
		for name, spec := range group {
			if seen[name] {
				continue
			}
			seen[name] = true
			deps = append(deps, Dependency{Name: name, Spec: spec})
		}
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].Name < deps[j].Name })
	return deps
}

// Script returns the named script, trimmed.
func (m *Manifest) Script(name string) string {
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m.Scripts[name])
}

// Dependency is a declared package and its version spec.
type Dependency struct {
	Name string
	Spec string
}

// FromRegistry reports whether the spec resolves through the package registry
// rather than a local path, workspace or VCS reference.
func (d Dependency) FromRegistry() bool {
	spec := strings.ToLower(strings.TrimSpace(d.Spec))
	for _, prefix := range []string{"file:", "link:", "workspace:", "git+", "git:", "github:", "http:", "https:", "portal:", "patch:"} {
		if strings.HasPrefix(spec, prefix) {
			return false
		}
	}
	if strings.HasPrefix(spec, "npm:") {
		return true
	}
	// owner/repo shorthand
	if strings.Count(spec, "/") == 1 && !strings.HasPrefix(spec, "@") {
		return false
	}
	return true
}

// Load reads package.json from dir. ok is false when the file is absent or
// unparseable.
func Load(dir string) (*Manifest, bool) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return nil, false
	}
	m, err := Parse(data)
	if err != nil {
		return nil, false
	}
	return m, true
}

// Parse decodes raw manifest bytes.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode package.json: %w", err)
	}
	if m.Dependencies == nil {
		m.Dependencies = map[string]string{}
	}
	if m.DevDependencies == nil {
		m.DevDependencies = map[string]string{}
	}
	if m.Scripts == nil {
		m.Scripts = map[string]string{}
	}
	return &m, nil
}

// Exists reports whether dir has a manifest file.
func Exists(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, FileName))
	return err == nil && !info.IsDir()
}

// EnsureMinimal writes a minimal manifest when none exists. It reports whether
// a manifest was synthesized.
func EnsureMinimal(dir, name string) (bool, error) {
	path := filepath.Join(dir, FileName)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("stat package.json: %w", err)
	}
	m := Manifest{
		Name:            sanitizeName(name),
		Version:         "0.0.0",
		Private:         true,
		Dependencies:    map[string]string{},
		DevDependencies: map[string]string{},
		Scripts:         map[string]string{},
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return false, fmt.Errorf("encode package.json: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return false, fmt.Errorf("write package.json: %w", err)
	}
	return true, nil
}

func sanitizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-.")
	if out == "" {
		return "app"
	}
	return out
}
