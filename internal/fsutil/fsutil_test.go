package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyDir(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "assets", "img"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "index.html"), []byte("<html>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "assets", "img", "a.png"), []byte("png"), 0o600))
	require.NoError(t, os.Symlink("index.html", filepath.Join(src, "home.html")))

	dst := filepath.Join(t.TempDir(), "copy")
	require.NoError(t, CopyDir(src, dst))

	data, err := os.ReadFile(filepath.Join(dst, "assets", "img", "a.png"))
	require.NoError(t, err)
	assert.Equal(t, "png", string(data))
	link, err := os.Readlink(filepath.Join(dst, "home.html"))
	require.NoError(t, err)
	assert.Equal(t, "index.html", link)

	size, err := DirSize(dst)
	require.NoError(t, err)
	assert.Equal(t, int64(len("<html>")+len("png")), size)
}

func TestCopyDirRefusesNonEmptyDestination(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dst, "x"), []byte("x"), 0o644))
	assert.Error(t, CopyDir(src, dst))
}

func TestWithin(t *testing.T) {
	assert.True(t, Within("/a/b", "/a/b"))
	assert.True(t, Within("/a/b", "/a/b/c"))
	assert.False(t, Within("/a/b", "/a/bc"))
	assert.False(t, Within("/a/b", "/a"))
}

func TestIsEnvFile(t *testing.T) {
	assert.True(t, IsEnvFile(".env"))
	assert.True(t, IsEnvFile(".env.production"))
	assert.False(t, IsEnvFile(".envrc"))
	assert.False(t, IsEnvFile("env.js"))
}
