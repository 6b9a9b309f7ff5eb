// Package artifact archives build outputs, uploads them to tiered blob
// storage and fetches them back for rollbacks.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/splax/localvercel/pipeline/internal/domain"
	"github.com/splax/localvercel/pipeline/internal/storage"
)

const (
	DefaultMaxBytes  int64 = 500 << 20
	DefaultWarnBytes int64 = 100 << 20
)

// IntegrityError reports that the stored object does not match what was
// produced locally.
type IntegrityError struct {
	Key              string
	LocalSize        int64
	RemoteSize       int64
	ExpectedChecksum string
	ActualChecksum   string
}

func (e *IntegrityError) Error() string {
	if e.ExpectedChecksum != "" {
		return fmt.Sprintf("artifact %s checksum mismatch: expected %s, got %s", e.Key, e.ExpectedChecksum, e.ActualChecksum)
	}
	return fmt.Sprintf("artifact %s size mismatch: local %d bytes, stored %d bytes", e.Key, e.LocalSize, e.RemoteSize)
}

// Request identifies the output to package.
type Request struct {
	UserID    string
	ProjectID string
	VersionID string
	OutputDir string
}

// Outcome is the result of one packaging run. Record is nil when the
// upload was skipped.
type Outcome struct {
	Record   *domain.ArtifactRecord
	Skipped  bool
	Warnings []string
}

// Packager builds and uploads archives.
type Packager struct {
	store     storage.Client
	logger    *slog.Logger
	maxBytes  int64
	warnBytes int64
	tmpDir    string
	retries   uint64
	backoff   time.Duration
	now       func() time.Time
}

// Option customises a Packager.
type Option func(*Packager)

// WithLimits sets the hard maximum and the warning threshold in bytes.
func WithLimits(maxBytes, warnBytes int64) Option {
	return func(p *Packager) {
		if maxBytes > 0 {
			p.maxBytes = maxBytes
		}
		if warnBytes > 0 {
			p.warnBytes = warnBytes
		}
	}
}

// WithTempDir sets where archives are staged before upload.
func WithTempDir(dir string) Option {
	return func(p *Packager) { p.tmpDir = dir }
}

// WithUploadRetry sets the upload retry budget.
func WithUploadRetry(retries uint64, backoff time.Duration) Option {
	return func(p *Packager) {
		p.retries = retries
		p.backoff = backoff
	}
}

// WithClock overrides time.Now; tier selection depends on it.
func WithClock(now func() time.Time) Option {
	return func(p *Packager) { p.now = now }
}

// NewPackager constructs a Packager.
func NewPackager(store storage.Client, logger *slog.Logger, opts ...Option) *Packager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p := &Packager{
		store:     store,
		logger:    logger,
		maxBytes:  DefaultMaxBytes,
		warnBytes: DefaultWarnBytes,
		retries:   2,
		backoff:   250 * time.Millisecond,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Package archives req.OutputDir and uploads it. Oversized archives are
// skipped with a warning and no error.
func (p *Packager) Package(ctx context.Context, req Request) (Outcome, error) {
	log := p.logger.With("project_id", req.ProjectID, "version_id", req.VersionID)
	info, err := os.Stat(req.OutputDir)
	if err != nil {
		return Outcome{}, fmt.Errorf("stat output dir: %w", err)
	}
	if !info.IsDir() {
		return Outcome{}, fmt.Errorf("output %s is not a directory", req.OutputDir)
	}

	tmp, err := os.CreateTemp(p.tmpDir, "artifact-*.tar.gz")
	if err != nil {
		return Outcome{}, fmt.Errorf("create staging file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	stats, err := WriteArchive(ctx, req.OutputDir, tmp, p.maxBytes)
	closeErr := tmp.Close()
	if errors.Is(err, ErrTooLarge) {
		msg := fmt.Sprintf("artifact exceeds %s limit, upload skipped", humanBytes(p.maxBytes))
		log.Warn(msg, "max_bytes", p.maxBytes)
		return Outcome{Skipped: true, Warnings: []string{msg}}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("write archive: %w", err)
	}
	if closeErr != nil {
		return Outcome{}, fmt.Errorf("close archive: %w", closeErr)
	}

	var out Outcome
	if stats.Size > p.warnBytes {
		msg := fmt.Sprintf("artifact is %s, above the %s warning threshold", humanBytes(stats.Size), humanBytes(p.warnBytes))
		log.Warn(msg, "size_bytes", stats.Size)
		out.Warnings = append(out.Warnings, msg)
	}

	created := p.now().UTC()
	tier := TierFor(created)
	key := Key(tier, req.UserID, req.ProjectID, req.VersionID)
	res, err := p.upload(ctx, tmpPath, key)
	if err != nil {
		return out, err
	}
	remote := res.Size
	if remote == 0 && stats.Size != 0 {
		if obj, statErr := p.store.Stat(ctx, key); statErr == nil {
			remote = obj.Size
		}
	}
	if remote != stats.Size {
		return out, &IntegrityError{Key: key, LocalSize: stats.Size, RemoteSize: remote}
	}

	log.Info("artifact uploaded", "key", key, "size_bytes", stats.Size, "files", stats.Files, "tier", tier)
	out.Record = &domain.ArtifactRecord{
		VersionID:      req.VersionID,
		StorageKey:     key,
		URL:            res.URL,
		SizeBytes:      stats.Size,
		SHA256Checksum: stats.Checksum,
		RetentionTier:  tier,
		CreatedAt:      created,
	}
	return out, nil
}

func (p *Packager) upload(ctx context.Context, path, key string) (storage.UploadResult, error) {
	var res storage.UploadResult
	backoff := retry.WithMaxRetries(p.retries, retry.NewExponential(p.backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := p.store.Upload(ctx, path, key, storage.UploadOptions{ContentType: "application/gzip"})
		if err != nil {
			p.logger.Warn("artifact upload attempt failed", "key", key, "error", err)
			return retry.RetryableError(err)
		}
		res = r
		return nil
	})
	if err != nil {
		return storage.UploadResult{}, fmt.Errorf("upload artifact %s: %w", key, err)
	}
	return res, nil
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
