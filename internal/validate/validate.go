// Package validate runs the TypeScript type-check stage and applies a small,
// bounded set of automatic fixes for common failures.
package validate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/splax/localvercel/pipeline/internal/manifest"
	"github.com/splax/localvercel/pipeline/internal/runner"
)

const (
	defaultMaxRounds = 2
	defaultTimeout   = 3 * time.Minute
	shimFile         = "peep-shims.d.ts"
)

// ErrTypeCheckFailed is returned when diagnostics remain after every fix round.
var ErrTypeCheckFailed = errors.New("type check failed")

var diagnosticRE = regexp.MustCompile(`^(?:(.+?)\((\d+),(\d+)\): )?error (TS\d+): (.*)$`)

// Diagnostic is one compiler error.
type Diagnostic struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (d Diagnostic) String() string {
	if d.File == "" {
		return d.Code + ": " + d.Message
	}
	return fmt.Sprintf("%s(%d,%d): %s: %s", d.File, d.Line, d.Column, d.Code, d.Message)
}

// ParseDiagnostics extracts compiler errors from tsc output.
func ParseDiagnostics(output string) []Diagnostic {
	var out []Diagnostic
	for _, line := range strings.Split(output, "\n") {
		m := diagnosticRE.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		d := Diagnostic{File: m[1], Code: m[4], Message: m[5]}
		d.Line, _ = strconv.Atoi(m[2])
		d.Column, _ = strconv.Atoi(m[3])
		out = append(out, d)
	}
	return out
}

// Request describes one type-check run.
type Request struct {
	Dir     string
	Timeout time.Duration
	OnLine  func(string)
}

// Result summarises the stage.
type Result struct {
	Ran         bool
	Passed      bool
	Rounds      int
	Fixes       []string
	Diagnostics []Diagnostic
}

// Error carries the diagnostics that survived auto-fixing.
type Error struct {
	Diagnostics []Diagnostic
	Err         error
}

func (e *Error) Error() string {
	if len(e.Diagnostics) == 0 {
		return fmt.Sprintf("%v: %v", ErrTypeCheckFailed, e.Err)
	}
	return fmt.Sprintf("%v: %d error(s), first: %s", ErrTypeCheckFailed, len(e.Diagnostics), e.Diagnostics[0])
}

func (e *Error) Unwrap() []error { return []error{ErrTypeCheckFailed, e.Err} }

// Validator runs tsc --noEmit.
type Validator struct {
	exec      runner.Executor
	logger    *slog.Logger
	maxRounds int
}

// New constructs a Validator.
func New(exec runner.Executor, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Validator{exec: exec, logger: logger, maxRounds: defaultMaxRounds}
}

// Applies reports whether dir is a TypeScript project.
func Applies(dir string, m *manifest.Manifest) bool {
	if _, err := os.Stat(filepath.Join(dir, "tsconfig.json")); err != nil {
		return false
	}
	return m != nil && m.HasDependency("typescript")
}

// Run type-checks dir, applying fixes between rounds. Projects without a
// tsconfig or a typescript dependency are not checked.
func (v *Validator) Run(ctx context.Context, m *manifest.Manifest, req Request) (Result, error) {
	if !Applies(req.Dir, m) {
		return Result{}, nil
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	log := v.logger.With("dir", req.Dir)
	res := Result{Ran: true}
	for {
		res.Rounds++
		out, err := v.exec.Run(ctx, runner.Command{
			Name:    "npx",
			Args:    []string{"--no-install", "tsc", "--noEmit", "--pretty", "false"},
			Dir:     req.Dir,
			Timeout: timeout,
			OnLine:  req.OnLine,
		})
		if err == nil {
			res.Passed = true
			res.Diagnostics = nil
			return res, nil
		}
		if kind := runner.KindOf(err); kind != runner.KindExit {
			return res, fmt.Errorf("run tsc: %w", err)
		}
		res.Diagnostics = ParseDiagnostics(out.Combined())
		if res.Rounds > v.maxRounds {
			break
		}
		fixes, fixErr := ApplyFixes(req.Dir, res.Diagnostics)
		if fixErr != nil {
			log.Warn("type-check auto-fix failed", "error", fixErr)
		}
		if len(fixes) == 0 {
			break
		}
		log.Info("applied type-check fixes", "round", res.Rounds, "fixes", fixes)
		res.Fixes = append(res.Fixes, fixes...)
	}
	return res, &Error{Diagnostics: res.Diagnostics, Err: errors.New("diagnostics remain after auto-fix")}
}

var (
	untypedModuleRE = regexp.MustCompile(`declaration file for module '([^']+)'`)
	missingModuleRE = regexp.MustCompile(`Cannot find module '([^']+)'`)
)

var assetExtensions = map[string]string{
	".svg":  "string",
	".png":  "string",
	".jpg":  "string",
	".jpeg": "string",
	".gif":  "string",
	".webp": "string",
	".avif": "string",
	".ico":  "string",
	".css":  "{ readonly [key: string]: string }",
	".scss": "{ readonly [key: string]: string }",
	".sass": "{ readonly [key: string]: string }",
	".less": "{ readonly [key: string]: string }",
}

// ApplyFixes applies every fix the diagnostics allow and returns a
// description of each change. It never touches source files.
func ApplyFixes(dir string, diags []Diagnostic) ([]string, error) {
	modules := map[string]bool{}
	assets := map[string]bool{}
	relaxUnused := false
	shimDir := ""
	for _, d := range diags {
		switch d.Code {
		case "TS7016":
			if m := untypedModuleRE.FindStringSubmatch(d.Message); m != nil {
				modules[m[1]] = true
			}
		case "TS2307":
			if m := missingModuleRE.FindStringSubmatch(d.Message); m != nil {
				if ext := strings.ToLower(filepath.Ext(m[1])); assetExtensions[ext] != "" {
					assets[ext] = true
				}
			}
		case "TS6133", "TS6196":
			relaxUnused = true
		default:
			continue
		}
		if shimDir == "" && d.File != "" {
			shimDir = topLevelDir(d.File)
		}
	}

	var fixes []string
	var errs []error
	if len(modules) > 0 || len(assets) > 0 {
		added, err := writeShims(filepath.Join(dir, shimDir), modules, assets)
		if err != nil {
			errs = append(errs, err)
		}
		fixes = append(fixes, added...)
	}
	if relaxUnused {
		changed, err := relaxUnusedChecks(filepath.Join(dir, "tsconfig.json"))
		if err != nil {
			errs = append(errs, err)
		}
		if changed {
			fixes = append(fixes, "disabled noUnusedLocals/noUnusedParameters")
		}
	}
	return fixes, errors.Join(errs...)
}

func topLevelDir(file string) string {
	file = filepath.ToSlash(filepath.Clean(file))
	if filepath.IsAbs(file) || strings.HasPrefix(file, "..") {
		return ""
	}
	if i := strings.Index(file, "/"); i > 0 {
		return file[:i]
	}
	return ""
}

// writeShims appends ambient declarations that are not present yet.
func writeShims(dir string, modules, assets map[string]bool) ([]string, error) {
	path := filepath.Join(dir, shimFile)
	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	content := string(existing)
	var added []string
	for _, name := range sortedKeys(modules) {
		decl := fmt.Sprintf("declare module '%s';\n", name)
		if strings.Contains(content, decl) {
			continue
		}
		content += decl
		added = append(added, "declared untyped module "+name)
	}
	for _, ext := range sortedKeys(assets) {
		decl := fmt.Sprintf("declare module '*%s' {\n  const value: %s;\n  export default value;\n}\n", ext, assetExtensions[ext])
		if strings.Contains(content, "declare module '*"+ext+"'") {
			continue
		}
		content += decl
		added = append(added, "declared asset module *"+ext)
	}
	if len(added) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", shimFile, err)
	}
	return added, nil
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
