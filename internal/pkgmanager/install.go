package pkgmanager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/splax/localvercel/pipeline/internal/domain"
	"github.com/splax/localvercel/pipeline/internal/framework"
	"github.com/splax/localvercel/pipeline/internal/manifest"
	"github.com/splax/localvercel/pipeline/internal/runner"
)

const (
	// StrategySkipped is recorded when nothing had to be installed.
	StrategySkipped = "skipped"
	// StrategyReuse is recorded when the dependency tree of the base version
	// was still valid.
	StrategyReuse = "reuse"

	markerPath            = ".peep/install.json"
	defaultInstallTimeout = 8 * time.Minute
)

var (
	// ErrManifestMissing is returned when install runs before a manifest exists.
	ErrManifestMissing = errors.New("package.json missing")
	// ErrInstallExhausted is returned when every waterfall strategy failed.
	ErrInstallExhausted = errors.New("all install strategies failed")
)

// UnknownPackagesError lists dependencies the registry does not know.
type UnknownPackagesError struct {
	Names []string
}

func (e *UnknownPackagesError) Error() string {
	return "packages not found in registry: " + strings.Join(e.Names, ", ")
}

// Attempt reports the result of one waterfall strategy.
type Attempt struct {
	Strategy Strategy
	Err      error
	Duration time.Duration
}

// Request is a single install.
type Request struct {
	Dir           string
	BaseVersionID string
	// OnAttempt is called after each strategy runs.
	OnAttempt func(Attempt)
	// OnLine receives install output lines.
	OnLine func(string)
}

// Installer runs dependency installs.
type Installer struct {
	exec     runner.Executor
	detector *Detector
	verifier Verifier
	logger   *slog.Logger
	timeout  time.Duration
	now      func() time.Time
}

// InstallerOption configures an Installer.
type InstallerOption func(*Installer)

// WithVerifier enables registry pre-verification.
func WithVerifier(v Verifier) InstallerOption {
	return func(i *Installer) { i.verifier = v }
}

// WithTimeout bounds each strategy's wall-clock time.
func WithTimeout(d time.Duration) InstallerOption {
	return func(i *Installer) {
		if d > 0 {
			i.timeout = d
		}
	}
}

// WithDetector overrides the lock-file detector.
func WithDetector(d *Detector) InstallerOption {
	return func(i *Installer) {
		if d != nil {
			i.detector = d
		}
	}
}

// NewInstaller constructs an Installer.
func NewInstaller(exec runner.Executor, logger *slog.Logger, opts ...InstallerOption) *Installer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	i := &Installer{
		exec:     exec,
		detector: NewDetector(0, 0),
		logger:   logger,
		timeout:  defaultInstallTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Detect exposes the installer's package-manager detection.
func (i *Installer) Detect(ctx context.Context, dir string) Detection {
	return i.detector.Detect(ctx, dir)
}

// Install resolves the manager and installs dependencies. Health warnings are
// reported in the outcome and never fail the install.
func (i *Installer) Install(ctx context.Context, req Request) (domain.InstallOutcome, error) {
	started := i.now()
	det := i.detector.Detect(ctx, req.Dir)
	outcome := domain.InstallOutcome{PackageManager: det.Manager}
	log := i.logger.With("dir", req.Dir, "package_manager", det.Manager, "detected_from", det.Source)
	finish := func() domain.InstallOutcome {
		outcome.Duration = i.now().Sub(started)
		return outcome
	}

	m, ok := manifest.Load(req.Dir)
	if !ok {
		return finish(), ErrManifestMissing
	}
	if m.DependencyCount() == 0 {
		log.Info("no dependencies declared, install skipped")
		outcome.Succeeded = true
		outcome.Skipped = true
		outcome.StrategyUsed = StrategySkipped
		return finish(), nil
	}

	digest, digestErr := installDigest(req.Dir)
	if req.BaseVersionID != "" && digestErr == nil && i.reusable(req.Dir, digest) {
		log.Info("dependency tree unchanged since base version, install reused", "base_version_id", req.BaseVersionID)
		outcome.Succeeded = true
		outcome.Skipped = true
		outcome.StrategyUsed = StrategyReuse
		return finish(), nil
	}

	if i.verifier != nil {
		missing, err := i.verifier.Verify(ctx, m.AllDependencies())
		switch {
		case err != nil:
			log.Warn("registry verification unavailable", "error", err)
			outcome.HealthWarnings = append(outcome.HealthWarnings, "registry verification unavailable: "+err.Error())
		case len(missing) > 0 && framework.IsStaticProject(req.Dir, m):
			log.Warn("unknown packages in static project, install skipped", "packages", missing)
			outcome.Succeeded = true
			outcome.Skipped = true
			outcome.StrategyUsed = StrategySkipped
			outcome.HealthWarnings = append(outcome.HealthWarnings, "install skipped: "+(&UnknownPackagesError{Names: missing}).Error())
			return finish(), nil
		case len(missing) > 0:
			return finish(), &UnknownPackagesError{Names: missing}
		}
	}

	strategies := Strategies(det.Manager)
	var lastErr error
	for idx, strategy := range strategies {
		attemptStarted := i.now()
		_, err := i.exec.Run(ctx, runner.Command{
			Name:    string(strategy.Manager),
			Args:    strategy.Args,
			Dir:     req.Dir,
			Env:     []string{"CI=1", "NODE_ENV=development"},
			Timeout: i.timeout,
			OnLine:  req.OnLine,
		})
		attempt := Attempt{Strategy: strategy, Err: err, Duration: i.now().Sub(attemptStarted)}
		outcome.Attempts = append(outcome.Attempts, strategy.Tag)
		if req.OnAttempt != nil {
			req.OnAttempt(attempt)
		}
		if err != nil {
			log.Warn("install strategy failed", "strategy", strategy.Tag, "error", err)
			lastErr = err
			if runner.KindOf(err) == runner.KindCanceled {
				break
			}
			continue
		}
		log.Info("install strategy succeeded", "strategy", strategy.Tag)
		outcome.Succeeded = true
		outcome.StrategyUsed = strategy.Tag
		outcome.HealthWarnings = append(outcome.HealthWarnings, healthCheck(req.Dir, strategy, idx == len(strategies)-1)...)
		if digestErr == nil {
			if err := writeMarker(req.Dir, digest, strategy, i.now()); err != nil {
				log.Warn("write install marker failed", "error", err)
			}
		}
		return finish(), nil
	}
	return finish(), fmt.Errorf("%w: %w", ErrInstallExhausted, lastErr)
}

func healthCheck(dir string, used Strategy, mostPermissive bool) []string {
	var warnings []string
	if mostPermissive {
		warnings = append(warnings, fmt.Sprintf("dependencies installed only with the most permissive strategy %s", used.Tag))
	}
	if info, err := os.Stat(filepath.Join(dir, "node_modules")); err != nil || !info.IsDir() {
		warnings = append(warnings, "node_modules missing after install")
	}
	return warnings
}

type installMarker struct {
	Digest      string    `json:"digest"`
	Strategy    string    `json:"strategy"`
	InstalledAt time.Time `json:"installedAt"`
}

func (i *Installer) reusable(dir, digest string) bool {
	info, err := os.Stat(filepath.Join(dir, "node_modules"))
	if err != nil || !info.IsDir() {
		return false
	}
	data, err := os.ReadFile(filepath.Join(dir, markerPath))
	if err != nil {
		return false
	}
	var marker installMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		return false
	}
	return marker.Digest == digest
}

func writeMarker(dir, digest string, used Strategy, now time.Time) error {
	path := filepath.Join(dir, markerPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(installMarker{Digest: digest, Strategy: used.Tag, InstalledAt: now.UTC()})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// installDigest hashes the manifest and any lock files.
func installDigest(dir string) (string, error) {
	h := sha256.New()
	names := []string{manifest.FileName}
	for _, lock := range LockFiles {
		names = append(names, lock.Name)
	}
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s:%d\n", name, len(data))
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
