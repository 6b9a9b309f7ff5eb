// Package pkgmanager decides which Node package manager installs a project
// and runs the install waterfall.
package pkgmanager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/splax/localvercel/pipeline/internal/domain"
	"github.com/splax/localvercel/pipeline/internal/manifest"
)

// Default is the manager used when a project gives no evidence.
const Default = domain.PackageManagerNPM

const (
	defaultLockRetries = 3
	defaultLockBackoff = 50 * time.Millisecond
)

// LockFile ties a lock-file name to its manager family.
type LockFile struct {
	Name    string
	Manager domain.PackageManager
}

// LockFiles is checked in priority order.
var LockFiles = []LockFile{
	{Name: "pnpm-lock.yaml", Manager: domain.PackageManagerPNPM},
	{Name: "yarn.lock", Manager: domain.PackageManagerYarn},
	{Name: "package-lock.json", Manager: domain.PackageManagerNPM},
	{Name: "npm-shrinkwrap.json", Manager: domain.PackageManagerNPM},
}

// DetectionSource says which evidence picked the manager.
type DetectionSource string

const (
	SourceLockFile DetectionSource = "lockfile"
	SourceManifest DetectionSource = "manifest"
	SourceDefault  DetectionSource = "default"
)

// Detection is the resolved manager and the evidence behind it.
type Detection struct {
	Manager  domain.PackageManager
	Source   DetectionSource
	LockFile string
}

// Detector resolves the package manager of a checkout.
type Detector struct {
	retries uint64
	backoff time.Duration
}

// NewDetector returns a Detector that re-checks each lock file up to retries
// times, waiting backoff between checks. Zero values select the defaults.
func NewDetector(retries uint64, backoff time.Duration) *Detector {
	if retries == 0 {
		retries = defaultLockRetries
	}
	if backoff <= 0 {
		backoff = defaultLockBackoff
	}
	return &Detector{retries: retries, backoff: backoff}
}

var errLockNotReady = errors.New("lock file empty")

// Detect never fails: absent evidence resolves to Default.
func (d *Detector) Detect(ctx context.Context, dir string) Detection {
	for _, lock := range LockFiles {
		if d.lockPresent(ctx, filepath.Join(dir, lock.Name)) {
			return Detection{Manager: lock.Manager, Source: SourceLockFile, LockFile: lock.Name}
		}
	}
	if m, ok := manifest.Load(dir); ok {
		if pm := ParseManager(m.PackageManager); pm != "" {
			return Detection{Manager: pm, Source: SourceManifest}
		}
	}
	return Detection{Manager: Default, Source: SourceDefault}
}

// lockPresent checks for a non-empty lock file. A file that exists but is
// still empty, or that cannot be stat'ed, is re-checked with backoff since a
// generator may not have flushed it yet.
func (d *Detector) lockPresent(ctx context.Context, path string) bool {
	backoff := retry.WithMaxRetries(d.retries, retry.NewConstant(d.backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		info, err := os.Stat(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			return os.ErrNotExist
		case err != nil:
			return retry.RetryableError(err)
		case info.IsDir():
			return fmt.Errorf("%s is a directory", path)
		case info.Size() == 0:
			return retry.RetryableError(errLockNotReady)
		}
		return nil
	})
	return err == nil
}

// ParseManager maps a packageManager field such as "pnpm@8.15.0" to a
// manager. Unknown values return the empty string.
func ParseManager(value string) domain.PackageManager {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return ""
	}
	if idx := strings.Index(trimmed, "@"); idx > 0 {
		trimmed = trimmed[:idx]
	}
	switch trimmed {
	case "yarn":
		return domain.PackageManagerYarn
	case "pnpm":
		return domain.PackageManagerPNPM
	case "npm":
		return domain.PackageManagerNPM
	default:
		return ""
	}
}
