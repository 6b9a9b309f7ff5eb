package validate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/localvercel/pipeline/internal/manifest"
	"github.com/splax/localvercel/pipeline/internal/runner"
)

type scriptedExec struct {
	outputs []string
	calls   int
}

func (s *scriptedExec) Run(_ context.Context, c runner.Command) (runner.Output, error) {
	s.calls++
	if len(s.outputs) == 0 {
		return runner.Output{}, nil
	}
	out := s.outputs[0]
	s.outputs = s.outputs[1:]
	if out == "" {
		return runner.Output{}, nil
	}
	return runner.Output{Stdout: out, ExitCode: 2}, &runner.ExitError{Command: "tsc", Kind: runner.KindExit, ExitCode: 2}
}

func tsProject(t *testing.T, tsconfig string) (string, *manifest.Manifest) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tsconfig.json"), []byte(tsconfig), 0o644))
	m, err := manifest.Parse([]byte(`{"name":"app","devDependencies":{"typescript":"^5.4.0"}}`))
	require.NoError(t, err)
	return dir, m
}

func TestParseDiagnostics(t *testing.T) {
	out := "src/App.tsx(3,21): error TS7016: Could not find a declaration file for module 'left-pad'.\n" +
		"some noise\n" +
		"error TS5058: The specified path does not exist: 'tsconfig.json'.\n"
	diags := ParseDiagnostics(out)
	require.Len(t, diags, 2)
	assert.Equal(t, Diagnostic{File: "src/App.tsx", Line: 3, Column: 21, Code: "TS7016", Message: "Could not find a declaration file for module 'left-pad'."}, diags[0])
	assert.Equal(t, "TS5058", diags[1].Code)
	assert.Empty(t, diags[1].File)
}

func TestSkipsNonTypeScriptProjects(t *testing.T) {
	exec := &scriptedExec{}
	v := New(exec, nil)
	res, err := v.Run(context.Background(), &manifest.Manifest{}, Request{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.False(t, res.Ran)
	assert.Zero(t, exec.calls)
}

func TestRunFixesUntypedModuleAndAssets(t *testing.T) {
	dir, m := tsProject(t, `{"compilerOptions":{"strict":true},"include":["src"]}`)
	exec := &scriptedExec{outputs: []string{
		"src/App.tsx(1,20): error TS7016: Could not find a declaration file for module 'left-pad'.\n" +
			"src/App.tsx(2,18): error TS2307: Cannot find module './logo.svg' or its corresponding type declarations.",
		"",
	}}
	res, err := New(exec, nil).Run(context.Background(), m, Request{Dir: dir})
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, 2, res.Rounds)
	assert.Len(t, res.Fixes, 2)

	shim, err := os.ReadFile(filepath.Join(dir, "src", shimFile))
	require.NoError(t, err)
	assert.Contains(t, string(shim), "declare module 'left-pad';")
	assert.Contains(t, string(shim), "declare module '*.svg'")
}

func TestRunRelaxesUnusedChecksInCommentedConfig(t *testing.T) {
	dir, m := tsProject(t, `{
  // generated by create-vite
  "compilerOptions": {
    "noUnusedLocals": true,
    "noUnusedParameters": true,
  },
}`)
	exec := &scriptedExec{outputs: []string{
		"src/main.ts(4,7): error TS6133: 'x' is declared but its value is never read.",
		"",
	}}
	res, err := New(exec, nil).Run(context.Background(), m, Request{Dir: dir})
	require.NoError(t, err)
	assert.True(t, res.Passed)

	data, err := os.ReadFile(filepath.Join(dir, "tsconfig.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"noUnusedLocals": false`)
	assert.Contains(t, string(data), `"noUnusedParameters": false`)
}

func TestRunGivesUpAfterBoundedRounds(t *testing.T) {
	dir, m := tsProject(t, `{"compilerOptions":{}}`)
	failing := "src/a.ts(1,1): error TS7016: Could not find a declaration file for module 'pkg-a'."
	exec := &scriptedExec{outputs: []string{
		failing,
		"src/a.ts(1,1): error TS7016: Could not find a declaration file for module 'pkg-b'.",
		"src/a.ts(1,1): error TS7016: Could not find a declaration file for module 'pkg-c'.",
		"",
	}}
	res, err := New(exec, nil).Run(context.Background(), m, Request{Dir: dir})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTypeCheckFailed))
	assert.Equal(t, 3, exec.calls)
	assert.Len(t, res.Fixes, 2)
}

func TestRunStopsWhenNothingIsFixable(t *testing.T) {
	dir, m := tsProject(t, `{"compilerOptions":{}}`)
	exec := &scriptedExec{outputs: []string{
		"src/a.ts(1,1): error TS2322: Type 'string' is not assignable to type 'number'.",
	}}
	res, err := New(exec, nil).Run(context.Background(), m, Request{Dir: dir})
	var verr *Error
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "TS2322", verr.Diagnostics[0].Code)
	assert.Equal(t, 1, exec.calls)
	assert.Empty(t, res.Fixes)
}
