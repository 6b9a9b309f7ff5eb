package buildcache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/splax/localvercel/pipeline/internal/domain"
	"github.com/splax/localvercel/pipeline/internal/framework"
	"github.com/splax/localvercel/pipeline/internal/runner"
)

// Store is the cache contract the Builder depends on.
type Store interface {
	Get(ctx context.Context, key string) (Lookup, error)
	Set(ctx context.Context, key, sourceDir string, meta Meta) (domain.BuildCacheEntry, error)
	Restore(ctx context.Context, key, dest string) error
}

// BuildRequest describes one build.
type BuildRequest struct {
	ProjectID    string
	Dir          string
	Framework    framework.Framework
	BuildCommand string
	// RestoreDir receives a cached output on a hit. It must not exist yet.
	RestoreDir string
	Timeout    time.Duration
	OnLine     func(string)
}

// BuildResult says where the deployable output is.
type BuildResult struct {
	OutputDir string
	// OutputName is the output directory relative to the project root, or
	// "." when the project root itself is the output.
	OutputName    string
	Key           string
	CacheHit      bool
	Skipped       bool
	CacheWriteErr error
	Duration      time.Duration
}

// Builder runs builds through the cache.
type Builder struct {
	cache  Store
	exec   runner.Executor
	logger *slog.Logger
	now    func() time.Time
}

// NewBuilder constructs a Builder. cache may be nil to disable caching.
func NewBuilder(cache Store, exec runner.Executor, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Builder{cache: cache, exec: exec, logger: logger, now: time.Now}
}

// Build restores a cached output when one matches, otherwise runs the build
// command and captures its output. Cache failures never fail the build.
func (b *Builder) Build(ctx context.Context, req BuildRequest) (BuildResult, error) {
	started := b.now()
	log := b.logger.With("project_id", req.ProjectID, "framework", req.Framework, "build_command", req.BuildCommand)
	if req.BuildCommand == "" {
		log.Info("no build command, serving project root")
		return BuildResult{OutputDir: req.Dir, OutputName: ".", Skipped: true, Duration: b.now().Sub(started)}, nil
	}

	var key string
	if b.cache != nil {
		digest, err := SourceDigest(req.Dir)
		if err != nil {
			log.Warn("source digest failed, build cache bypassed", "error", err)
		} else {
			key = Key(Identity(req.ProjectID, digest), string(req.Framework), req.BuildCommand)
		}
	}

	if key != "" {
		if result, ok := b.tryRestore(ctx, log, key, req); ok {
			result.Duration = b.now().Sub(started)
			return result, nil
		}
	}

	args, err := runner.ParseCommand(req.BuildCommand)
	if err != nil {
		return BuildResult{Key: key}, fmt.Errorf("parse build command: %w", err)
	}
	if _, err := b.exec.Run(ctx, runner.Command{
		Name:    args[0],
		Args:    args[1:],
		Dir:     req.Dir,
		Env:     []string{"CI=1", "NODE_ENV=production", "NEXT_TELEMETRY_DISABLED=1"},
		Timeout: req.Timeout,
		OnLine:  req.OnLine,
	}); err != nil {
		return BuildResult{Key: key, Duration: b.now().Sub(started)}, fmt.Errorf("run build: %w", err)
	}

	result := BuildResult{Key: key}
	outputDir, ok := framework.ResolveOutputDir(req.Dir, req.Framework)
	if !ok {
		log.Warn("no conventional output directory after build, serving project root")
		result.OutputDir = req.Dir
		result.OutputName = "."
		result.Duration = b.now().Sub(started)
		return result, nil
	}
	result.OutputDir = outputDir
	result.OutputName, _ = filepath.Rel(req.Dir, outputDir)

	if key != "" {
		entry, err := b.cache.Set(ctx, key, outputDir, Meta{
			ProjectID:    req.ProjectID,
			Framework:    string(req.Framework),
			BuildCommand: req.BuildCommand,
			OutputDir:    result.OutputName,
		})
		if err != nil {
			log.Warn("build cache write failed", "key", key, "error", err)
			result.CacheWriteErr = err
		} else {
			log.Info("build output cached", "key", key, "path", entry.Path)
		}
	}
	result.Duration = b.now().Sub(started)
	return result, nil
}

func (b *Builder) tryRestore(ctx context.Context, log *slog.Logger, key string, req BuildRequest) (BuildResult, bool) {
	lookup, err := b.cache.Get(ctx, key)
	if err != nil {
		log.Warn("build cache lookup failed", "key", key, "error", err)
		return BuildResult{}, false
	}
	if !lookup.Hit || req.RestoreDir == "" {
		return BuildResult{}, false
	}
	if err := b.cache.Restore(ctx, key, req.RestoreDir); err != nil {
		log.Warn("build cache restore failed, rebuilding", "key", key, "error", err)
		return BuildResult{}, false
	}
	log.Info("build cache hit", "key", key, "restored_to", req.RestoreDir)
	name := lookup.Entry.OutputDir
	if name == "" {
		name = "."
	}
	return BuildResult{OutputDir: req.RestoreDir, OutputName: name, Key: key, CacheHit: true}, true
}
