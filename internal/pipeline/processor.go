// Package pipeline drives a deploy job through install, validation, build,
// target detection, deployment, finalization and packaging.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/splax/localvercel/pipeline/internal/artifact"
	"github.com/splax/localvercel/pipeline/internal/buildcache"
	"github.com/splax/localvercel/pipeline/internal/deployer"
	"github.com/splax/localvercel/pipeline/internal/domain"
	"github.com/splax/localvercel/pipeline/internal/latest"
	"github.com/splax/localvercel/pipeline/internal/lock"
	"github.com/splax/localvercel/pipeline/internal/manifest"
	"github.com/splax/localvercel/pipeline/internal/metrics"
	"github.com/splax/localvercel/pipeline/internal/observability"
	"github.com/splax/localvercel/pipeline/internal/pkgmanager"
	"github.com/splax/localvercel/pipeline/internal/queue"
	"github.com/splax/localvercel/pipeline/internal/recovery"
	"github.com/splax/localvercel/pipeline/internal/repository"
	"github.com/splax/localvercel/pipeline/internal/storage"
	"github.com/splax/localvercel/pipeline/internal/validate"
	"github.com/splax/localvercel/pipeline/internal/workspace"
	"github.com/splax/localvercel/pipeline/pkg/telemetry"
)

// Installer installs project dependencies.
type Installer interface {
	Install(ctx context.Context, req pkgmanager.Request) (domain.InstallOutcome, error)
}

// Validator type-checks a project.
type Validator interface {
	Run(ctx context.Context, m *manifest.Manifest, req validate.Request) (validate.Result, error)
}

// Builder runs or restores a build.
type Builder interface {
	Build(ctx context.Context, req buildcache.BuildRequest) (buildcache.BuildResult, error)
}

// TargetDetector picks the deployment lane for a built project.
type TargetDetector interface {
	Detect(ctx context.Context, dir string) domain.TargetDetection
}

// Deployer publishes a build on a lane.
type Deployer interface {
	Deploy(ctx context.Context, det domain.TargetDetection, req deployer.Request) (domain.DeploymentResult, error)
}

// Packager archives and uploads a build output.
type Packager interface {
	Package(ctx context.Context, req artifact.Request) (artifact.Outcome, error)
}

// Deps are the collaborators of a Processor. Latest, Reporter, Events,
// Metrics, Tracer and Logger are optional.
type Deps struct {
	Installer Installer
	Validator Validator
	Builder   Builder
	Detector  TargetDetector
	Deployer  Deployer
	Packager  Packager
	Store     storage.Client
	Locker    lock.Locker
	Versions  repository.VersionStore
	Runs      repository.RunStore
	Latest    latest.Pointer
	Reporter  recovery.Reporter
	Events    telemetry.Emitter
	Workspace *workspace.Manager
	Metrics   *metrics.Metrics
	Tracer    trace.Tracer
	Logger    *slog.Logger
}

// Config bounds the stages a Processor runs.
type Config struct {
	// LockTTL is the project lease length. A running job row untouched for
	// longer is considered abandoned.
	LockTTL           time.Duration
	ValidateTimeout   time.Duration
	BuildTimeout      time.Duration
	DeployTimeout     time.Duration
	SideEffectTimeout time.Duration
}

const defaultLockTTL = 45 * time.Minute

// Processor executes deploy jobs and rollbacks.
type Processor struct {
	Deps
	cfg Config
	now func() time.Time
}

// New validates deps and returns a Processor.
func New(deps Deps, cfg Config) (*Processor, error) {
	switch {
	case deps.Installer == nil, deps.Validator == nil, deps.Builder == nil,
		deps.Detector == nil, deps.Deployer == nil, deps.Packager == nil:
		return nil, errors.New("pipeline: stage dependencies required")
	case deps.Locker == nil:
		return nil, errors.New("pipeline: locker required")
	case deps.Versions == nil || deps.Runs == nil:
		return nil, errors.New("pipeline: repositories required")
	case deps.Workspace == nil:
		return nil, errors.New("pipeline: workspace required")
	}
	if deps.Latest == nil {
		deps.Latest = latest.Noop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Reporter == nil {
		deps.Reporter = recovery.NewLogReporter(deps.Logger)
	}
	if deps.Events == nil {
		deps.Events = telemetry.NewLogEmitter(deps.Logger)
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer(observability.TracerName)
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	return &Processor{Deps: deps, cfg: cfg, now: time.Now}, nil
}

// Handle adapts Process to a queue handler.
func (p *Processor) Handle(ctx context.Context, job domain.DeployJob) error {
	_, err := p.Process(ctx, job)
	return err
}

// Process runs job to a terminal result. A redelivered job that already
// finished returns its stored result without running again. A busy project
// returns domain.ErrConflict; infrastructure failures are retryable; a stage
// failure returns domain.Failed with a *StageError.
func (p *Processor) Process(ctx context.Context, job domain.DeployJob) (domain.Result, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	ctx, span := p.Tracer.Start(ctx, "pipeline.job", trace.WithAttributes(
		attribute.String("build.id", job.BuildID),
		attribute.String("project.id", job.ProjectID),
		attribute.String("version.id", job.VersionID),
	))
	defer span.End()
	log := p.Logger.With("build_id", job.BuildID, "project_id", job.ProjectID, "version_id", job.VersionID)

	existing, started, err := p.Runs.BeginRun(ctx, domain.JobRun{
		BuildID:   job.BuildID,
		ProjectID: job.ProjectID,
		VersionID: job.VersionID,
	}, p.cfg.LockTTL)
	switch {
	case errors.Is(err, domain.ErrConflict):
		log.Info("build is already running")
		return nil, err
	case err != nil:
		return nil, queue.Retryable(fmt.Errorf("begin run: %w", err))
	case !started:
		return p.replay(ctx, job, existing, log), nil
	case existing != nil:
		log.Warn("taking over abandoned run", "stage", existing.Stage, "last_update", existing.UpdatedAt)
	}

	r := p.newRun(job, log)
	lease, err := p.Locker.Acquire(ctx, lock.ProjectKey(job.ProjectID), p.cfg.LockTTL)
	if err != nil {
		p.abandon(ctx, job, log)
		if errors.Is(err, domain.ErrConflict) {
			r.emit(ctx, telemetry.CodeLockConflict, telemetry.PhaseWarning, "another build holds the project", nil)
			return nil, err
		}
		return nil, queue.Retryable(fmt.Errorf("acquire project lock: %w", err))
	}
	defer func() {
		_ = p.bestEffort(ctx, log, "release project lock", lease.Release)
	}()
	defer r.cleanup()

	res, err := r.execute(ctx)
	if res == nil && errors.Is(err, context.Canceled) {
		p.abandon(ctx, job, log)
		span.SetStatus(codes.Error, "interrupted")
		return nil, err
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (p *Processor) abandon(ctx context.Context, job domain.DeployJob, log *slog.Logger) {
	_ = p.bestEffort(ctx, log, "abandon run", func(ctx context.Context) error {
		return p.Runs.AbandonRun(ctx, job.BuildID)
	})
}

func (p *Processor) replay(ctx context.Context, job domain.DeployJob, run *domain.JobRun, log *slog.Logger) domain.Result {
	log.Info("build already finished, replaying result", "status", run.Status)
	r := p.newRun(job, log)
	r.emit(ctx, telemetry.CodeJobReplayed, telemetry.PhaseComplete, "build already finished", map[string]any{
		"status": string(run.Status),
	})
	if run.Status == domain.RunFailed {
		return domain.Failed{
			BuildID:   run.BuildID,
			VersionID: run.VersionID,
			Stage:     run.Stage,
			Reason:    run.Reason,
			Replayed:  true,
		}
	}
	res := domain.Deployed{
		BuildID:      run.BuildID,
		VersionID:    run.VersionID,
		PreviewURL:   run.PreviewURL,
		DeploymentID: run.DeploymentID,
		Replayed:     true,
	}
	if v, err := p.Versions.GetVersion(ctx, run.VersionID); err == nil {
		res.DisplayVersion = v.DisplayVersion
		res.Lane = v.Lane
		res.Artifact = v.Artifact
	}
	return res
}

// Drift compares the artifact marker in projectPath with the artifact of the
// project's latest version.
func (p *Processor) Drift(ctx context.Context, projectID, projectPath string) (artifact.Drift, error) {
	var published *domain.ArtifactRecord
	v, err := p.Versions.LatestVersion(ctx, projectID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		return artifact.Drift{}, err
	default:
		published = v.Artifact
	}
	return artifact.DetectDrift(projectPath, published)
}
