package buildcache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/localvercel/pipeline/internal/domain"
	"github.com/splax/localvercel/pipeline/internal/framework"
	"github.com/splax/localvercel/pipeline/internal/runner"
)

func openCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(Config{Root: t.TempDir(), InMemoryIndex: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func writeFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func readTree(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := map[string]string{}
	require.NoError(t, filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		data, err := os.ReadFile(path)
		out[filepath.ToSlash(rel)] = string(data)
		return err
	}))
	return out
}

func TestKeyChangesWithEveryComponent(t *testing.T) {
	base := Key("p:abc", "vite", "npm run build")
	assert.Equal(t, base, Key("p:abc", "vite", "npm run build"))
	assert.NotEqual(t, base, Key("p:abc", "vite", "pnpm run build"))
	assert.NotEqual(t, base, Key("p:abc", "nextjs", "npm run build"))
	assert.NotEqual(t, base, Key("p:abd", "vite", "npm run build"))
	// field boundaries are unambiguous
	assert.NotEqual(t, Key("ab", "c", ""), Key("a", "bc", ""))
}

func TestSetGetRestoreRoundTrip(t *testing.T) {
	c := openCache(t)
	src := t.TempDir()
	writeFile(t, src, "index.html", "<html>hi</html>")
	writeFile(t, src, "assets/app.js", "console.log(1)")

	key := Key("p:1", "vite", "npm run build")
	lookup, err := c.Get(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, lookup.Hit)

	entry, err := c.Set(context.Background(), key, src, Meta{ProjectID: "p", Framework: "vite", BuildCommand: "npm run build", OutputDir: "dist"})
	require.NoError(t, err)
	assert.Equal(t, key, entry.Key)

	lookup, err = c.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, lookup.Hit)
	assert.Equal(t, "dist", lookup.Entry.OutputDir)

	dest := filepath.Join(t.TempDir(), "restored")
	require.NoError(t, c.Restore(context.Background(), key, dest))
	assert.Equal(t, readTree(t, src), readTree(t, dest))

	// restoring never mutates the entry
	writeFile(t, dest, "index.html", "changed")
	again := filepath.Join(t.TempDir(), "again")
	require.NoError(t, c.Restore(context.Background(), key, again))
	assert.Equal(t, readTree(t, src), readTree(t, again))

	miss, err := c.Get(context.Background(), Key("p:1", "vite", "npm run build:prod"))
	require.NoError(t, err)
	assert.False(t, miss.Hit)
}

func TestSetOverwritesLastWriterWins(t *testing.T) {
	c := openCache(t)
	key := Key("p:1", "vite", "npm run build")
	first := t.TempDir()
	writeFile(t, first, "a.txt", "one")
	second := t.TempDir()
	writeFile(t, second, "b.txt", "two")
	_, err := c.Set(context.Background(), key, first, Meta{})
	require.NoError(t, err)
	_, err = c.Set(context.Background(), key, second, Meta{})
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, c.Restore(context.Background(), key, dest))
	assert.Equal(t, map[string]string{"b.txt": "two"}, readTree(t, dest))
}

func TestRestoreMissReturnsNotFound(t *testing.T) {
	c := openCache(t)
	err := c.Restore(context.Background(), "nope", filepath.Join(t.TempDir(), "x"))
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestGetTreatsVanishedEntryAsMiss(t *testing.T) {
	c := openCache(t)
	src := t.TempDir()
	writeFile(t, src, "a", "a")
	entry, err := c.Set(context.Background(), "k", src, Meta{})
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(entry.Path))
	lookup, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, lookup.Hit)
}

func TestSourceDigestIgnoresOutputsAndDependencies(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "src/main.ts", "export {}")
	writeFile(t, dir, "package.json", "{}")
	before, err := SourceDigest(dir)
	require.NoError(t, err)

	writeFile(t, dir, "node_modules/x/index.js", "x")
	writeFile(t, dir, "dist/index.html", "built")
	writeFile(t, dir, ".git/HEAD", "ref")
	after, err := SourceDigest(dir)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	writeFile(t, dir, "src/main.ts", "export const x = 1")
	changed, err := SourceDigest(dir)
	require.NoError(t, err)
	assert.NotEqual(t, before, changed)
}

type buildExec struct {
	calls   int
	output  string
	failErr error
}

func (b *buildExec) Run(_ context.Context, c runner.Command) (runner.Output, error) {
	b.calls++
	if b.failErr != nil {
		return runner.Output{}, b.failErr
	}
	writeOutput(c.Dir, b.output)
	return runner.Output{}, nil
}

func writeOutput(dir, name string) {
	_ = os.MkdirAll(filepath.Join(dir, name), 0o755)
	_ = os.WriteFile(filepath.Join(dir, name, "index.html"), []byte("built:"+name), 0o644)
}

func TestBuilderMissThenHit(t *testing.T) {
	c := openCache(t)
	exec := &buildExec{output: "dist"}
	b := NewBuilder(c, exec, nil)
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"scripts":{"build":"vite build"}}`)
	writeFile(t, dir, "src/main.ts", "export {}")

	req := BuildRequest{ProjectID: "p", Dir: dir, Framework: framework.Vite, BuildCommand: "npm run build", RestoreDir: filepath.Join(t.TempDir(), "r1")}
	first, err := b.Build(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	assert.Equal(t, filepath.Join(dir, "dist"), first.OutputDir)
	assert.Equal(t, "dist", first.OutputName)
	assert.Equal(t, 1, exec.calls)

	// the build output itself is excluded from the source digest
	req.RestoreDir = filepath.Join(t.TempDir(), "r2")
	second, err := b.Build(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, req.RestoreDir, second.OutputDir)
	assert.Equal(t, "dist", second.OutputName)
	assert.Equal(t, 1, exec.calls)
	data, err := os.ReadFile(filepath.Join(second.OutputDir, "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "built:dist", string(data))

	req.BuildCommand = "npm run build -- --mode staging"
	req.RestoreDir = filepath.Join(t.TempDir(), "r3")
	third, err := b.Build(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, third.CacheHit)
	assert.Equal(t, 2, exec.calls)
}

type failingStore struct{ Store }

func (failingStore) Get(context.Context, string) (Lookup, error) { return Lookup{}, nil }
func (failingStore) Set(context.Context, string, string, Meta) (domain.BuildCacheEntry, error) {
	return domain.BuildCacheEntry{}, errors.New("disk full")
}

func TestBuilderCacheWriteFailureIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "index.ts", "x")
	res, err := NewBuilder(failingStore{}, &buildExec{output: "build"}, nil).Build(context.Background(), BuildRequest{
		ProjectID: "p", Dir: dir, Framework: framework.CRA, BuildCommand: "npm run build",
	})
	require.NoError(t, err)
	assert.Error(t, res.CacheWriteErr)
	assert.Equal(t, filepath.Join(dir, "build"), res.OutputDir)
}

func TestBuilderFailurePropagates(t *testing.T) {
	dir := t.TempDir()
	exec := &buildExec{failErr: &runner.ExitError{Command: "npm run build", Kind: runner.KindExit, ExitCode: 2}}
	_, err := NewBuilder(nil, exec, nil).Build(context.Background(), BuildRequest{Dir: dir, BuildCommand: "npm run build"})
	require.Error(t, err)
	assert.Equal(t, runner.KindExit, runner.KindOf(err))
	assert.True(t, strings.HasPrefix(err.Error(), "run build"))
}

func TestBuilderWithoutBuildCommand(t *testing.T) {
	dir := t.TempDir()
	exec := &buildExec{}
	res, err := NewBuilder(nil, exec, nil).Build(context.Background(), BuildRequest{Dir: dir})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, dir, res.OutputDir)
	assert.Zero(t, exec.calls)
}
