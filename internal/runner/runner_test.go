package runner

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"npm install", []string{"npm", "install"}},
		{"  pnpm   install --force ", []string{"pnpm", "install", "--force"}},
		{`sh -c "echo hello world"`, []string{"sh", "-c", "echo hello world"}},
		{`echo 'a "b" c'`, []string{"echo", `a "b" c`}},
		{`echo a\ b`, []string{"echo", "a b"}},
		{`echo ""`, []string{"echo", ""}},
		{"", nil},
	}
	for _, tc := range cases {
		got, err := ParseCommand(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestParseCommandUnterminated(t *testing.T) {
	_, err := ParseCommand(`echo "oops`)
	require.Error(t, err)
}

func TestRunCapturesStreams(t *testing.T) {
	requireShell(t)
	r := New(nil)
	out, err := r.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo out; echo err 1>&2"},
		Dir:  t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, "out\n", out.Stdout)
	assert.Equal(t, "err\n", out.Stderr)
	assert.Equal(t, 0, out.ExitCode)
}

func TestRunExitCode(t *testing.T) {
	requireShell(t)
	r := New(nil)
	_, err := r.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo boom 1>&2; exit 3"}})
	require.Error(t, err)
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, KindExit, exitErr.Kind)
	assert.Equal(t, 3, exitErr.ExitCode)
	assert.Contains(t, exitErr.Stderr, "boom")
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	requireShell(t)
	r := New(nil)
	started := time.Now()
	_, err := r.Run(context.Background(), Command{
		Name:    "sh",
		Args:    []string{"-c", "sleep 30"},
		Timeout: 100 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Less(t, time.Since(started), 10*time.Second)
}

func TestRunNotFound(t *testing.T) {
	r := New(nil)
	_, err := r.Run(context.Background(), Command{Name: "definitely-not-a-real-binary-xyz"})
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestRunCanceledParent(t *testing.T) {
	requireShell(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(nil).Run(ctx, Command{Name: "sh", Args: []string{"-c", "true"}})
	require.Error(t, err)
	assert.Equal(t, KindCanceled, KindOf(err))
}

func TestRunStreamsLines(t *testing.T) {
	requireShell(t)
	var (
		mu    sync.Mutex
		lines []string
	)
	_, err := New(nil).Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "printf 'one\\ntwo\\nthree'"},
		OnLine: func(line string) {
			mu.Lock()
			lines = append(lines, line)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, lines)
}

func TestRunBoundsOutput(t *testing.T) {
	requireShell(t)
	out, err := New(nil, WithMaxOutput(8)).Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "printf 0123456789abcdef"},
	})
	require.NoError(t, err)
	assert.Equal(t, "89abcdef", out.Stdout)
}

func TestRunLine(t *testing.T) {
	requireShell(t)
	out, err := New(nil).RunLine(context.Background(), `sh -c "echo quoted arg"`, "", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "quoted arg", strings.TrimSpace(out.Stdout))
}

func TestLogAggregatorCollapsesRepeats(t *testing.T) {
	var emitted []string
	agg := NewLogAggregator(func(line string) { emitted = append(emitted, line) })
	agg.Add("a")
	agg.Add("a")
	agg.Add("a")
	agg.Add("b")
	agg.Flush()
	assert.Equal(t, []string{"a", "a (repeated 2 more times)", "b"}, emitted)
	assert.Equal(t, []string{"a (repeated 2 more times)", "b"}, agg.Snapshot(2))
}
