package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/splax/localvercel/pipeline/internal/artifact"
	"github.com/splax/localvercel/pipeline/internal/buildcache"
	"github.com/splax/localvercel/pipeline/internal/deployer"
	"github.com/splax/localvercel/pipeline/internal/domain"
	"github.com/splax/localvercel/pipeline/internal/framework"
	"github.com/splax/localvercel/pipeline/internal/latest"
	"github.com/splax/localvercel/pipeline/internal/manifest"
	"github.com/splax/localvercel/pipeline/internal/pkgmanager"
	"github.com/splax/localvercel/pipeline/internal/recovery"
	"github.com/splax/localvercel/pipeline/internal/runner"
	"github.com/splax/localvercel/pipeline/internal/target"
	"github.com/splax/localvercel/pipeline/internal/validate"
	"github.com/splax/localvercel/pipeline/pkg/telemetry"
)

const outputTailLines = 40

// run is the state of one job execution.
type run struct {
	p       *Processor
	job     domain.DeployJob
	log     *slog.Logger
	started time.Time
	state   domain.State
	out     *runner.LogAggregator

	manifest     *manifest.Manifest
	install      domain.InstallOutcome
	framework    framework.Framework
	buildCommand string
	build        buildcache.BuildResult
	detection    domain.TargetDetection
	deployment   domain.DeploymentResult
	deployTook   time.Duration

	versionSaved   bool
	displayVersion *int
	artifact       *domain.ArtifactRecord
	warnings       []string
	scratch        []string
}

type step struct {
	state domain.State
	// stage is empty for steps that cannot fail the job.
	stage domain.Stage
	fn    func(context.Context) error
}

func (p *Processor) newRun(job domain.DeployJob, log *slog.Logger) *run {
	return &run{p: p, job: job, log: log, started: p.now(), state: domain.StateQueued}
}

func (r *run) execute(ctx context.Context) (domain.Result, error) {
	r.emit(ctx, telemetry.CodeJobStarted, telemetry.PhaseStart, "build started", nil)
	steps := []step{
		{domain.StateInstalling, domain.StagePreInstall, r.preInstall},
		{domain.StateInstalling, domain.StageInstall, r.installDeps},
		{domain.StateValidating, domain.StageValidation, r.validate},
		{domain.StateBuilding, domain.StageBuild, r.runBuild},
		{domain.StateDetecting, "", r.detect},
		{domain.StateDeploying, domain.StageDeploy, r.deploy},
		{domain.StateFinalizing, "", r.finalize},
		{domain.StatePackaging, "", r.pack},
	}
	for _, s := range steps {
		if err := r.stage(ctx, s); err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, fmt.Errorf("build %s interrupted in %s: %w", r.job.BuildID, r.state, context.Canceled)
			}
			return r.fail(ctx, err)
		}
	}
	return r.succeed(ctx), nil
}

func (r *run) stage(ctx context.Context, s step) error {
	r.state = s.state
	r.out = runner.NewLogAggregator(func(line string) {
		r.log.Debug("command output", "state", s.state, "line", line)
	})
	name := string(s.state)
	if s.stage != "" {
		name = string(s.stage)
		_ = r.p.bestEffort(ctx, r.log, "record stage", func(ctx context.Context) error {
			return r.p.Runs.TouchRun(ctx, r.job.BuildID, s.stage)
		})
	}
	ctx, span := r.p.Tracer.Start(ctx, "pipeline."+name, trace.WithAttributes(attribute.String("pipeline.state", string(s.state))))
	defer span.End()

	started := r.p.now()
	err := s.fn(ctx)
	r.out.Flush()
	r.p.Metrics.ObserveStage(name, r.p.now().Sub(started))
	if err == nil {
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	var se *StageError
	if !errors.As(err, &se) {
		se = &StageError{Err: err}
	}
	se.Stage = s.stage
	if se.Output == "" {
		se.Output = r.outputTail(err)
	}
	return se
}

func (r *run) outputTail(err error) string {
	if tail := r.out.Snapshot(outputTailLines); len(tail) > 0 {
		return strings.Join(tail, "\n")
	}
	var exitErr *runner.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Stderr
	}
	return ""
}

func (r *run) line(line string) {
	if line = strings.TrimSpace(line); line != "" {
		r.out.Add(line)
	}
}

func (r *run) fail(ctx context.Context, err error) (domain.Result, error) {
	var se *StageError
	if !errors.As(err, &se) {
		se = &StageError{Stage: domain.StageDeploy, Err: err}
	}
	log := r.log.With("stage", se.Stage)
	log.Error("build failed", "error", se.Err, "reasons", se.Reasons)

	_ = r.p.bestEffort(ctx, log, "report failure", func(ctx context.Context) error {
		return r.p.Reporter.ReportError(ctx, se.Err, recovery.Context{
			Stage:     string(se.Stage),
			ProjectID: r.job.ProjectID,
			UserID:    r.job.UserID,
			BuildID:   r.job.BuildID,
			VersionID: r.job.VersionID,
			Reasons:   se.Reasons,
			Output:    telemetry.Truncate(se.Output),
		})
	})
	meta := map[string]any{"stage": string(se.Stage), "error": se.Err.Error()}
	if len(se.Reasons) > 0 {
		meta["reasons"] = se.Reasons
	}
	if se.Output != "" {
		meta["output"] = telemetry.Truncate(se.Output)
	}
	r.emit(ctx, telemetry.CodeJobFailed, telemetry.PhaseError, se.Error(), meta)

	_ = r.p.bestEffort(ctx, log, "finish run", func(ctx context.Context) error {
		return r.p.Runs.FinishRun(ctx, domain.JobRun{
			BuildID:   r.job.BuildID,
			ProjectID: r.job.ProjectID,
			VersionID: r.job.VersionID,
			Status:    domain.RunFailed,
			Stage:     se.Stage,
			Reason:    se.Err.Error(),
		})
	})
	r.p.Metrics.JobFinished("failed", string(se.Stage))
	return domain.Failed{
		BuildID:   r.job.BuildID,
		VersionID: r.job.VersionID,
		Stage:     se.Stage,
		Reason:    se.Err.Error(),
		Reasons:   se.Reasons,
	}, se
}

func (r *run) succeed(ctx context.Context) domain.Deployed {
	total := r.p.now().Sub(r.started).Milliseconds()
	if r.versionSaved {
		_ = r.p.bestEffort(ctx, r.log, "record total duration", func(ctx context.Context) error {
			return r.p.Versions.UpdateVersion(ctx, domain.VersionUpdate{ID: r.job.VersionID, TotalMS: &total})
		})
	}
	_ = r.p.bestEffort(ctx, r.log, "finish run", func(ctx context.Context) error {
		return r.p.Runs.FinishRun(ctx, domain.JobRun{
			BuildID:      r.job.BuildID,
			ProjectID:    r.job.ProjectID,
			VersionID:    r.job.VersionID,
			Status:       domain.RunDeployed,
			PreviewURL:   r.deployment.DeployedURL,
			DeploymentID: r.deployment.DeploymentID,
		})
	})
	r.state = domain.StateDeployed
	r.emit(ctx, telemetry.CodeJobDeployed, telemetry.PhaseComplete, "deployed", map[string]any{
		"previewUrl": r.deployment.DeployedURL,
		"lane":       string(r.deployment.Target),
		"totalMs":    total,
	})
	r.p.Metrics.JobFinished("deployed", "")
	r.log.Info("build deployed", "url", r.deployment.DeployedURL, "lane", r.deployment.Target, "total_ms", total)
	return domain.Deployed{
		BuildID:        r.job.BuildID,
		VersionID:      r.job.VersionID,
		PreviewURL:     r.deployment.DeployedURL,
		DeploymentID:   r.deployment.DeploymentID,
		DisplayVersion: r.displayVersion,
		Lane:           r.deployment.Target,
		Artifact:       r.artifact,
		Warnings:       r.warnings,
	}
}

func (r *run) cleanup() {
	for _, dir := range r.scratch {
		if err := r.p.Workspace.Cleanup(dir); err != nil {
			r.log.Warn("workspace cleanup failed", "path", dir, "error", err)
		}
	}
}

func (r *run) emit(ctx context.Context, code telemetry.Code, phase telemetry.Phase, message string, meta map[string]any) {
	r.emitAt(ctx, code, phase, 0, message, meta)
}

// emitAt reports an event at fraction of the current state.
func (r *run) emitAt(ctx context.Context, code telemetry.Code, phase telemetry.Phase, fraction float64, message string, meta map[string]any) {
	if phase == telemetry.PhaseComplete {
		fraction = 1
	}
	event := telemetry.Event{
		BuildID:    r.job.BuildID,
		ProjectID:  r.job.ProjectID,
		UserID:     r.job.UserID,
		Code:       code,
		Phase:      phase,
		State:      string(r.state),
		Message:    message,
		Progress:   telemetry.Progress(string(r.state), fraction),
		Metadata:   meta,
		OccurredAt: r.p.now().UTC(),
	}
	_ = r.p.bestEffort(ctx, r.log.With("event", code), "emit event", func(ctx context.Context) error {
		return r.p.Events.Emit(ctx, event)
	})
}

func (r *run) warn(ctx context.Context, code telemetry.Code, message string, meta map[string]any) {
	r.warnings = append(r.warnings, message)
	r.log.Warn(message, "event", code)
	r.emit(ctx, code, telemetry.PhaseWarning, message, meta)
}

func (r *run) preInstall(ctx context.Context) error {
	info, err := os.Stat(r.job.ProjectPath)
	if err != nil {
		return fmt.Errorf("project path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("project path %s is not a directory", r.job.ProjectPath)
	}
	synthesized, err := manifest.EnsureMinimal(r.job.ProjectPath, r.job.ProjectID)
	if err != nil {
		return err
	}
	if synthesized {
		r.warn(ctx, telemetry.CodeManifestSynthesized, "package.json missing, wrote a minimal one", nil)
	}
	m, ok := manifest.Load(r.job.ProjectPath)
	if !ok {
		return errors.New("package.json is unreadable")
	}
	r.manifest = m
	return nil
}

func (r *run) installDeps(ctx context.Context) error {
	r.emit(ctx, telemetry.CodeInstallStarted, telemetry.PhaseStart, "installing dependencies", nil)
	attempts := 0
	outcome, err := r.p.Installer.Install(ctx, pkgmanager.Request{
		Dir:           r.job.ProjectPath,
		BaseVersionID: r.job.BaseVersionID,
		OnAttempt: func(a pkgmanager.Attempt) {
			attempts++
			if a.Err == nil {
				return
			}
			r.emitAt(ctx, telemetry.CodeInstallStrategyFailed, telemetry.PhaseProgress, float64(attempts)/float64(attempts+1), "install strategy failed", map[string]any{
				"strategy": a.Strategy.Tag,
				"error":    a.Err.Error(),
			})
		},
		OnLine: r.line,
	})
	r.install = outcome
	if err != nil {
		var unknown *pkgmanager.UnknownPackagesError
		if errors.As(err, &unknown) {
			return &StageError{Err: err, Reasons: unknown.Names}
		}
		return err
	}
	for _, w := range outcome.HealthWarnings {
		r.warn(ctx, telemetry.CodeInstallHealthWarning, w, nil)
	}
	meta := map[string]any{
		"packageManager": string(outcome.PackageManager),
		"strategy":       outcome.StrategyUsed,
		"durationMs":     outcome.Duration.Milliseconds(),
	}
	if outcome.Skipped {
		r.emit(ctx, telemetry.CodeInstallSkipped, telemetry.PhaseComplete, "install skipped", meta)
		return nil
	}
	r.p.Metrics.InstallStrategy(outcome.StrategyUsed)
	r.emit(ctx, telemetry.CodeInstallCompleted, telemetry.PhaseComplete, "dependencies installed", meta)
	return nil
}

func (r *run) validate(ctx context.Context) error {
	r.emit(ctx, telemetry.CodeValidationStarted, telemetry.PhaseStart, "type-checking", nil)
	res, err := r.p.Validator.Run(ctx, r.manifest, validate.Request{
		Dir:     r.job.ProjectPath,
		Timeout: r.p.cfg.ValidateTimeout,
		OnLine:  r.line,
	})
	if len(res.Fixes) > 0 {
		r.warn(ctx, telemetry.CodeValidationFixed, fmt.Sprintf("applied %d type-check fix(es)", len(res.Fixes)), map[string]any{
			"fixes": res.Fixes,
		})
	}
	if err != nil {
		var verr *validate.Error
		if errors.As(err, &verr) {
			reasons := make([]string, 0, len(verr.Diagnostics))
			for _, d := range verr.Diagnostics {
				reasons = append(reasons, d.String())
			}
			return &StageError{Err: err, Reasons: reasons}
		}
		return err
	}
	if !res.Ran {
		r.emit(ctx, telemetry.CodeValidationSkipped, telemetry.PhaseComplete, "not a TypeScript project", nil)
		return nil
	}
	r.emit(ctx, telemetry.CodeValidationCompleted, telemetry.PhaseComplete, "type check passed", map[string]any{
		"rounds": res.Rounds,
	})
	return nil
}

func (r *run) runBuild(ctx context.Context) error {
	dir := r.job.ProjectPath
	fw := framework.Reconcile(framework.DetectManifest(r.manifest), framework.Detect(dir))
	r.framework = fw.Framework
	r.buildCommand = framework.BuildCommand(r.manifest, r.install.PackageManager)
	r.emit(ctx, telemetry.CodeBuildStarted, telemetry.PhaseStart, "building", map[string]any{
		"framework":    string(fw.Framework),
		"signals":      fw.Signals,
		"buildCommand": r.buildCommand,
	})

	restoreDir, err := r.p.Workspace.Reserve("restore", r.job.BuildID)
	if err != nil {
		r.log.Warn("no restore directory, build cache restores disabled", "error", err)
		restoreDir = ""
	} else {
		r.scratch = append(r.scratch, restoreDir)
	}
	res, err := r.p.Builder.Build(ctx, buildcache.BuildRequest{
		ProjectID:    r.job.ProjectID,
		Dir:          dir,
		Framework:    fw.Framework,
		BuildCommand: r.buildCommand,
		RestoreDir:   restoreDir,
		Timeout:      r.p.cfg.BuildTimeout,
		OnLine:       r.line,
	})
	if err != nil {
		return err
	}
	r.build = res

	switch {
	case res.Skipped:
		r.p.Metrics.BuildCache("bypass")
	case res.CacheHit:
		r.p.Metrics.BuildCache("hit")
		r.emit(ctx, telemetry.CodeBuildCacheHit, telemetry.PhaseProgress, "build output restored from cache", map[string]any{"key": res.Key})
	case res.Key != "":
		r.p.Metrics.BuildCache("miss")
		r.emit(ctx, telemetry.CodeBuildCacheMiss, telemetry.PhaseProgress, "no cached build output", map[string]any{"key": res.Key})
	default:
		r.p.Metrics.BuildCache("bypass")
	}
	if res.CacheWriteErr != nil {
		r.warn(ctx, telemetry.CodeBuildCacheWrite, "build output was not cached", map[string]any{"error": res.CacheWriteErr.Error()})
	}
	r.emit(ctx, telemetry.CodeBuildOutput, telemetry.PhaseProgress, "build output located", map[string]any{
		"outputDir": res.OutputName,
	})
	r.emit(ctx, telemetry.CodeBuildCompleted, telemetry.PhaseComplete, "build finished", map[string]any{
		"skipped":    res.Skipped,
		"cacheHit":   res.CacheHit,
		"durationMs": res.Duration.Milliseconds(),
	})
	return nil
}

func (r *run) detect(ctx context.Context) error {
	det := r.p.Detector.Detect(ctx, r.job.ProjectPath)
	if det.Framework == "" {
		det.Framework = string(r.framework)
	}
	r.detection = det
	if err := target.WriteManifest(r.job.ProjectPath, det); err != nil {
		r.log.Warn("write deployment manifest failed", "error", err)
	}
	r.emit(ctx, telemetry.CodeDetectCompleted, telemetry.PhaseComplete, "deployment target: "+string(det.Target), map[string]any{
		"target":     string(det.Target),
		"origin":     string(det.Origin),
		"reasons":    det.Reasons,
		"confidence": det.Confidence,
	})
	return nil
}

func (r *run) deploy(ctx context.Context) error {
	r.emit(ctx, telemetry.CodeDeployStarted, telemetry.PhaseStart, "deploying to "+string(r.detection.Target), nil)
	if r.p.cfg.DeployTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.p.cfg.DeployTimeout)
		defer cancel()
	}
	started := r.p.now()
	res, err := r.p.Deployer.Deploy(ctx, r.detection, deployer.Request{
		BuildID:        r.job.BuildID,
		UserID:         r.job.UserID,
		ProjectID:      r.job.ProjectID,
		VersionID:      r.job.VersionID,
		ProjectDir:     r.job.ProjectPath,
		OutputDir:      r.build.OutputDir,
		Framework:      r.framework,
		PackageManager: r.install.PackageManager,
		BuildCommand:   r.buildCommand,
		StartCommand:   deployer.StartCommand(r.manifest, r.framework, r.install.PackageManager),
		OnLine:         r.line,
	})
	r.deployTook = r.p.now().Sub(started)
	if err != nil {
		return &StageError{Err: err, Reasons: r.detection.Reasons}
	}
	r.deployment = res
	if res.Switched {
		r.warn(ctx, telemetry.CodeDeployFallback, "served from static hosting: "+res.SwitchReason, map[string]any{
			"requested": string(r.detection.Target),
		})
	}
	r.emit(ctx, telemetry.CodeDeployCompleted, telemetry.PhaseComplete, "deployed to "+string(res.Target), map[string]any{
		"url":          res.DeployedURL,
		"lane":         string(res.Target),
		"deploymentId": res.DeploymentID,
	})
	return nil
}

func (r *run) finalize(ctx context.Context) error {
	det := r.detection
	v := &domain.Version{
		ID:              r.job.VersionID,
		ProjectID:       r.job.ProjectID,
		UserID:          r.job.UserID,
		BuildID:         r.job.BuildID,
		Prompt:          r.job.Prompt,
		BaseVersionID:   r.job.BaseVersionID,
		Framework:       string(r.framework),
		PackageManager:  string(r.install.PackageManager),
		InstallStrategy: r.install.StrategyUsed,
		Lane:            r.deployment.Target,
		Detection:       &det,
		Deployment:      r.deployment,
		InstallMS:       r.install.Duration.Milliseconds(),
		BuildMS:         r.build.Duration.Milliseconds(),
		DeployMS:        r.deployTook.Milliseconds(),
		CacheHit:        r.build.CacheHit,
		CreatedAt:       r.p.now().UTC(),
	}
	rec := r.p.recordVersion(ctx, r.log, v)
	r.versionSaved = rec.saved
	r.displayVersion = rec.displayVersion
	r.warnings = append(r.warnings, rec.warnings...)
	meta := map[string]any{"versionId": v.ID}
	if rec.displayVersion != nil {
		meta["displayVersion"] = *rec.displayVersion
	}
	r.emit(ctx, telemetry.CodeFinalizeCompleted, telemetry.PhaseComplete, "version recorded", meta)
	return nil
}

type versionRecord struct {
	saved          bool
	displayVersion *int
	warnings       []string
}

// recordVersion creates v, allocates its display number and moves the latest
// pointer. Only a failed create leaves the version unsaved; the other steps
// degrade to warnings.
func (p *Processor) recordVersion(ctx context.Context, log *slog.Logger, v *domain.Version) versionRecord {
	var rec versionRecord
	err := p.bestEffort(ctx, log, "create version", func(ctx context.Context) error {
		return p.Versions.CreateVersion(ctx, v)
	})
	switch {
	case errors.Is(err, domain.ErrAlreadyExists):
		// A redelivered job that died after creating its version.
		existing, getErr := p.Versions.GetVersion(ctx, v.ID)
		if getErr == nil && existing.DisplayVersion != nil {
			rec.displayVersion = existing.DisplayVersion
		}
	case err != nil:
		rec.warnings = append(rec.warnings, "version record was not saved")
		return rec
	}
	rec.saved = true

	if rec.displayVersion == nil {
		err = p.bestEffort(ctx, log, "assign display version", func(ctx context.Context) error {
			n, err := p.Versions.NextDisplayVersion(ctx, v.ProjectID)
			if err != nil {
				return err
			}
			if err := p.Versions.UpdateVersion(ctx, domain.VersionUpdate{ID: v.ID, DisplayVersion: &n}); err != nil {
				return err
			}
			rec.displayVersion = &n
			return nil
		})
		if err != nil {
			rec.warnings = append(rec.warnings, "display version was not assigned")
		}
	}

	err = p.bestEffort(ctx, log, "update latest pointer", func(ctx context.Context) error {
		return p.Latest.SetLatest(ctx, v.UserID, v.ProjectID, latest.Entry{
			VersionID:  v.ID,
			PreviewURL: v.Deployment.DeployedURL,
			Timestamp:  v.CreatedAt,
		})
	})
	if err != nil {
		rec.warnings = append(rec.warnings, "latest version pointer was not updated")
	}
	return rec
}

func (r *run) pack(ctx context.Context) error {
	r.emit(ctx, telemetry.CodePackageStarted, telemetry.PhaseStart, "packaging build output", nil)
	out, err := r.p.Packager.Package(ctx, artifact.Request{
		UserID:    r.job.UserID,
		ProjectID: r.job.ProjectID,
		VersionID: r.job.VersionID,
		OutputDir: r.build.OutputDir,
	})
	for _, w := range out.Warnings {
		code := telemetry.CodePackageWarning
		if out.Skipped {
			code = telemetry.CodePackageSkipped
		}
		r.warn(ctx, code, w, nil)
	}
	if err != nil {
		meta := map[string]any{"error": err.Error()}
		var integrity *artifact.IntegrityError
		if errors.As(err, &integrity) {
			meta["key"] = integrity.Key
		}
		r.warn(ctx, telemetry.CodePackageFailed, "artifact was not stored", meta)
		return nil
	}
	if out.Skipped || out.Record == nil {
		return nil
	}

	rec := out.Record
	r.artifact = rec
	if r.versionSaved {
		err := r.p.bestEffort(ctx, r.log, "attach artifact to version", func(ctx context.Context) error {
			return r.p.Versions.UpdateVersion(ctx, domain.VersionUpdate{ID: r.job.VersionID, Artifact: rec})
		})
		if err != nil {
			r.warnings = append(r.warnings, "artifact was stored but not attached to the version")
		}
	}
	marker := artifact.Marker{VersionID: rec.VersionID, Checksum: rec.SHA256Checksum, Timestamp: rec.CreatedAt}
	if err := artifact.WriteMarker(r.job.ProjectPath, marker); err != nil {
		r.log.Warn("write artifact marker failed", "error", err)
	}
	r.emit(ctx, telemetry.CodePackageCompleted, telemetry.PhaseComplete, "artifact stored", map[string]any{
		"key":       rec.StorageKey,
		"sizeBytes": rec.SizeBytes,
		"tier":      string(rec.RetentionTier),
	})
	return nil
}
