package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadNormalisesMaps(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(`{"name":"app","dependencies":{"React":"18"}}`), 0o644))
	m, ok := Load(dir)
	require.True(t, ok)
	assert.NotNil(t, m.DevDependencies)
	assert.NotNil(t, m.Scripts)
	assert.True(t, m.HasDependency("react"))
	assert.False(t, m.HasDependency("next"))
	assert.Equal(t, 1, m.DependencyCount())
}

func TestLoadRejectsInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(`{`), 0o644))
	_, ok := Load(dir)
	assert.False(t, ok)
}

func TestEnsureMinimal(t *testing.T) {
	dir := t.TempDir()
	created, err := EnsureMinimal(dir, "My Project!")
	require.NoError(t, err)
	require.True(t, created)

	m, ok := Load(dir)
	require.True(t, ok)
	assert.Equal(t, "my-project", m.Name)
	assert.True(t, m.Private)
	assert.Zero(t, m.DependencyCount())

	created, err = EnsureMinimal(dir, "other")
	require.NoError(t, err)
	assert.False(t, created)
}

func TestDependencyFromRegistry(t *testing.T) {
	cases := map[string]bool{
		"^18.2.0":             true,
		"latest":              true,
		"npm:react@18":        true,
		"file:../lib":         false,
		"workspace:*":         false,
		"github:owner/repo":   false,
		"owner/repo":          false,
		"git+https://x/y.git": false,
		"https://x/y.tgz":     false,
	}
	for spec, want := range cases {
		assert.Equal(t, want, Dependency{Name: "x", Spec: spec}.FromRegistry(), spec)
	}
}

func TestAllDependenciesSortedAndUnique(t *testing.T) {
	m := &Manifest{
		Dependencies:    map[string]string{"b": "1", "a": "1"},
		DevDependencies: map[string]string{"a": "2", "c": "1"},
	}
	deps := m.AllDependencies()
	require.Len(t, deps, 3)
	assert.Equal(t, "a", deps[0].Name)
	assert.Equal(t, "c", deps[2].Name)
}
