package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/splax/localvercel/pipeline/internal/artifact"
	"github.com/splax/localvercel/pipeline/internal/deployer"
	"github.com/splax/localvercel/pipeline/internal/domain"
	"github.com/splax/localvercel/pipeline/internal/framework"
	"github.com/splax/localvercel/pipeline/internal/lock"
	"github.com/splax/localvercel/pipeline/internal/manifest"
	"github.com/splax/localvercel/pipeline/internal/recovery"
	"github.com/splax/localvercel/pipeline/pkg/telemetry"
)

// Rollback redeploys the stored artifact of an earlier version as a new
// version. It fails fast with domain.ErrConflict while another job holds the
// project.
func (p *Processor) Rollback(ctx context.Context, req domain.RollbackRequest) (domain.Deployed, error) {
	if err := req.Validate(); err != nil {
		return domain.Deployed{}, err
	}
	if p.Store == nil {
		return domain.Deployed{}, errors.New("rollback requires artifact storage")
	}
	ctx, span := p.Tracer.Start(ctx, "pipeline.rollback", trace.WithAttributes(
		attribute.String("project.id", req.ProjectID),
		attribute.String("version.id", req.NewVersionID),
		attribute.String("rollback.target", req.TargetVersionID),
	))
	defer span.End()
	log := p.Logger.With("project_id", req.ProjectID, "version_id", req.NewVersionID, "target_version_id", req.TargetVersionID)

	res, err := p.rollback(ctx, req, log)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (p *Processor) rollback(ctx context.Context, req domain.RollbackRequest, log *slog.Logger) (domain.Deployed, error) {
	lease, err := p.Locker.Acquire(ctx, lock.ProjectKey(req.ProjectID), p.cfg.LockTTL)
	if err != nil {
		return domain.Deployed{}, err
	}
	defer func() {
		_ = p.bestEffort(ctx, log, "release project lock", lease.Release)
	}()

	source, err := p.Versions.GetVersion(ctx, req.TargetVersionID)
	if err != nil {
		return domain.Deployed{}, err
	}
	if source.ProjectID != req.ProjectID {
		return domain.Deployed{}, fmt.Errorf("version %s: %w", req.TargetVersionID, domain.ErrNotFound)
	}
	if source.Artifact == nil {
		return domain.Deployed{}, fmt.Errorf("version %s has no stored artifact: %w", source.ID, domain.ErrInvalidArgument)
	}

	r := p.newRun(domain.DeployJob{
		BuildID:   req.NewVersionID,
		UserID:    req.UserID,
		ProjectID: req.ProjectID,
		VersionID: req.NewVersionID,
	}, log)
	r.state = domain.StateDeploying
	r.emit(ctx, telemetry.CodeRollbackStarted, telemetry.PhaseStart, "rolling back to "+source.ID, map[string]any{
		"targetVersionId": source.ID,
	})

	dir, err := p.Workspace.Prepare("rollback", req.NewVersionID)
	if err != nil {
		return domain.Deployed{}, fmt.Errorf("prepare rollback workspace: %w", err)
	}
	defer func() {
		if err := p.Workspace.Cleanup(dir); err != nil {
			log.Warn("workspace cleanup failed", "path", dir, "error", err)
		}
	}()

	rec := *source.Artifact
	key, err := artifact.Fetch(ctx, p.Store, artifact.FetchRequest{
		UserID:     source.UserID,
		ProjectID:  source.ProjectID,
		VersionID:  source.ID,
		StorageKey: rec.StorageKey,
		Checksum:   rec.SHA256Checksum,
	}, dir, p.Workspace.Root())
	if err != nil {
		return domain.Deployed{}, fmt.Errorf("fetch artifact: %w", err)
	}
	rec.StorageKey = key

	det := domain.TargetDetection{
		Target:  source.Lane,
		Origin:  domain.OriginFallback,
		Reasons: []string{"lane of version " + source.ID},
	}
	if source.Detection != nil {
		det = *source.Detection
	}
	fw := framework.Framework(source.Framework)
	pm := domain.PackageManager(source.PackageManager)
	m, ok := manifest.Load(dir)
	if !ok && det.Target == domain.LaneNodeWorker {
		// Stored artifacts hold build output only. A node image needs the
		// project manifest to install and start.
		return domain.Deployed{}, fmt.Errorf("version %s artifact has no %s and cannot start a %s server: %w",
			source.ID, manifest.FileName, det.Target, domain.ErrInvalidArgument)
	}

	started := p.now()
	deployCtx := ctx
	if p.cfg.DeployTimeout > 0 {
		var cancel context.CancelFunc
		deployCtx, cancel = context.WithTimeout(ctx, p.cfg.DeployTimeout)
		defer cancel()
	}
	dep, err := p.Deployer.Deploy(deployCtx, det, deployer.Request{
		BuildID:        req.NewVersionID,
		UserID:         req.UserID,
		ProjectID:      req.ProjectID,
		VersionID:      req.NewVersionID,
		ProjectDir:     dir,
		OutputDir:      dir,
		Framework:      fw,
		PackageManager: pm,
		StartCommand:   deployer.StartCommand(m, fw, pm),
		OnLine:         r.line,
	})
	if err != nil {
		_ = p.bestEffort(ctx, log, "report failure", func(ctx context.Context) error {
			return p.Reporter.ReportError(ctx, err, recovery.Context{
				Stage:     string(domain.StageDeploy),
				ProjectID: req.ProjectID,
				UserID:    req.UserID,
				BuildID:   req.NewVersionID,
				VersionID: req.NewVersionID,
				Reasons:   det.Reasons,
			})
		})
		r.emit(ctx, telemetry.CodeJobFailed, telemetry.PhaseError, "rollback deploy failed", map[string]any{
			"stage":   string(domain.StageDeploy),
			"error":   err.Error(),
			"reasons": det.Reasons,
		})
		return domain.Deployed{}, &StageError{Stage: domain.StageDeploy, Reasons: det.Reasons, Err: err}
	}
	if dep.Switched {
		r.warn(ctx, telemetry.CodeDeployFallback, "served from static hosting: "+dep.SwitchReason, nil)
	}

	r.state = domain.StateFinalizing
	v := &domain.Version{
		ID:              req.NewVersionID,
		ProjectID:       req.ProjectID,
		UserID:          req.UserID,
		BuildID:         req.NewVersionID,
		BaseVersionID:   source.ID,
		RolledBackFrom:  source.ID,
		Framework:       source.Framework,
		PackageManager:  source.PackageManager,
		InstallStrategy: source.InstallStrategy,
		Lane:            dep.Target,
		Detection:       &det,
		Deployment:      dep,
		Artifact:        &rec,
		DeployMS:        p.now().Sub(started).Milliseconds(),
		CreatedAt:       p.now().UTC(),
	}
	vr := p.recordVersion(ctx, log, v)
	r.warnings = append(r.warnings, vr.warnings...)

	r.state = domain.StateDeployed
	r.emit(ctx, telemetry.CodeRollbackCompleted, telemetry.PhaseComplete, "rolled back to "+source.ID, map[string]any{
		"previewUrl":      dep.DeployedURL,
		"targetVersionId": source.ID,
	})
	log.Info("rollback deployed", "url", dep.DeployedURL, "lane", dep.Target)
	return domain.Deployed{
		BuildID:        req.NewVersionID,
		VersionID:      req.NewVersionID,
		PreviewURL:     dep.DeployedURL,
		DeploymentID:   dep.DeploymentID,
		DisplayVersion: vr.displayVersion,
		Lane:           dep.Target,
		Artifact:       &rec,
		Warnings:       r.warnings,
	}, nil
}
