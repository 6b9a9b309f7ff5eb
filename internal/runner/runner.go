// Package runner executes external processes with bounded wall-clock time and
// classifies how they failed.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

const (
	defaultTimeout   = 10 * time.Minute
	defaultMaxOutput = 64 << 10
	killGrace        = 5 * time.Second
)

// Kind classifies a command failure.
type Kind string

const (
	KindTimeout  Kind = "timeout"
	KindNotFound Kind = "not-found"
	KindExit     Kind = "exit"
	KindCanceled Kind = "canceled"
	KindStart    Kind = "start"
)

// ExitError describes a failed command.
type ExitError struct {
	Command  string
	Kind     Kind
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExitError) Error() string {
	switch e.Kind {
	case KindExit:
		return fmt.Sprintf("command %q exited with code %d", e.Command, e.ExitCode)
	case KindTimeout:
		return fmt.Sprintf("command %q timed out", e.Command)
	default:
		return fmt.Sprintf("command %q %s: %v", e.Command, e.Kind, e.Err)
	}
}

func (e *ExitError) Unwrap() error { return e.Err }

// KindOf returns the failure kind of err, or the empty string when err is not
// an ExitError.
func KindOf(err error) Kind {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Kind
	}
	return ""
}

// Command is a single process invocation.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
	// OnLine receives every complete stdout/stderr line as it is produced.
	OnLine func(line string)
}

// String renders the command line for logs.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Output is the captured result of a command.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Combined joins stdout and stderr.
func (o Output) Combined() string {
	switch {
	case o.Stdout == "":
		return o.Stderr
	case o.Stderr == "":
		return o.Stdout
	}
	return o.Stdout + "\n" + o.Stderr
}

// Executor runs commands. Runner is the production implementation.
type Executor interface {
	Run(ctx context.Context, cmd Command) (Output, error)
}

// Runner executes commands as child processes.
type Runner struct {
	logger    *slog.Logger
	timeout   time.Duration
	maxOutput int
	env       []string
}

// Option configures a Runner.
type Option func(*Runner)

// WithDefaultTimeout sets the timeout used when a command carries none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithMaxOutput bounds how many trailing bytes of each stream are retained.
func WithMaxOutput(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxOutput = n
		}
	}
}

// WithEnv appends variables to every command environment.
func WithEnv(env ...string) Option {
	return func(r *Runner) {
		r.env = append(r.env, env...)
	}
}

// New constructs a Runner.
func New(logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Runner{
		logger:    logger,
		timeout:   defaultTimeout,
		maxOutput: defaultMaxOutput,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes cmd. A process still running when the timeout elapses is
// killed together with its process group.
func (r *Runner) Run(ctx context.Context, c Command) (Output, error) {
	if strings.TrimSpace(c.Name) == "" {
		return Output{}, &ExitError{Command: c.String(), Kind: KindStart, ExitCode: -1, Err: errors.New("empty command")}
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(append(os.Environ(), r.env...), c.Env...)
	cmd.WaitDelay = killGrace
	configureProcessGroup(cmd)

	stdout := newTailBuffer(r.maxOutput)
	stderr := newTailBuffer(r.maxOutput)
	var lines *lineWriter
	if c.OnLine != nil {
		lines = newLineWriter(c.OnLine)
		cmd.Stdout = io.MultiWriter(stdout, lines)
		cmd.Stderr = io.MultiWriter(stderr, lines)
	} else {
		cmd.Stdout = stdout
		cmd.Stderr = stderr
	}

	started := time.Now()
	err := cmd.Run()
	if lines != nil {
		lines.Flush()
	}
	out := Output{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(started),
	}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}
	log := r.logger.With("command", c.String(), "dir", c.Dir, "duration_ms", out.Duration.Milliseconds())
	if err == nil {
		log.Debug("command completed")
		return out, nil
	}
	classified := classify(ctx, runCtx, c, out, err)
	log.Debug("command failed", "kind", classified.Kind, "exit_code", classified.ExitCode, "stderr", truncate(out.Stderr, 2048))
	return out, classified
}

// RunLine tokenises line and runs it without a shell.
func (r *Runner) RunLine(ctx context.Context, line, dir string, timeout time.Duration) (Output, error) {
	args, err := ParseCommand(line)
	if err != nil {
		return Output{}, &ExitError{Command: line, Kind: KindStart, ExitCode: -1, Err: err}
	}
	if len(args) == 0 {
		return Output{}, nil
	}
	return r.Run(ctx, Command{Name: args[0], Args: args[1:], Dir: dir, Timeout: timeout})
}

func classify(parent, runCtx context.Context, c Command, out Output, err error) *ExitError {
	exitErr := &ExitError{Command: c.String(), ExitCode: out.ExitCode, Stderr: truncate(out.Stderr, 4096), Err: err}
	var procErr *exec.ExitError
	switch {
	case parent.Err() != nil:
		exitErr.Kind = KindCanceled
		exitErr.Err = parent.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		exitErr.Kind = KindTimeout
		exitErr.Err = context.DeadlineExceeded
	case errors.Is(err, exec.ErrNotFound):
		exitErr.Kind = KindNotFound
		exitErr.ExitCode = -1
	case errors.As(err, &procErr):
		exitErr.Kind = KindExit
	default:
		exitErr.Kind = KindStart
		exitErr.ExitCode = -1
	}
	return exitErr
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
