// Package deployer publishes a build output on the lane chosen by target
// detection and enforces when a failed server deploy may fall back to
// static hosting.
package deployer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/splax/localvercel/pipeline/internal/domain"
	"github.com/splax/localvercel/pipeline/internal/framework"
)

// ErrNoBackend is returned when no backend serves a lane.
var ErrNoBackend = errors.New("no deploy backend for lane")

// Request is everything a backend may need to publish one version.
type Request struct {
	BuildID        string
	UserID         string
	ProjectID      string
	VersionID      string
	DeploymentID   string
	ProjectDir     string
	OutputDir      string
	Framework      framework.Framework
	PackageManager domain.PackageManager
	BuildCommand   string
	StartCommand   string
	OnLine         func(string)
}

// BackendResult is what a backend reports after a successful publish.
type BackendResult struct {
	URL          string
	DeploymentID string
}

// Backend publishes to one lane.
type Backend interface {
	Lane() domain.Lane
	Deploy(ctx context.Context, req Request) (BackendResult, error)
}

// UnsafeFallbackError reports a failed server-capable deploy that could not
// be downgraded to static hosting.
type UnsafeFallbackError struct {
	Lane    domain.Lane
	Reasons []string
	Err     error
}

func (e *UnsafeFallbackError) Error() string {
	return fmt.Sprintf("%s deploy failed and static fallback is unsafe (%s): %v", e.Lane, strings.Join(e.Reasons, "; "), e.Err)
}

func (e *UnsafeFallbackError) Unwrap() error { return e.Err }

// AllowStaticFallback reports whether det permits serving the project from
// static hosting. Any server-only evidence, or a node-worker decision,
// forbids it.
func AllowStaticFallback(det domain.TargetDetection) bool {
	if det.Target == domain.LaneNodeWorker {
		return false
	}
	return !det.HasServerOnlyEvidence()
}

// Deployer routes deploys to lane backends.
type Deployer struct {
	backends map[domain.Lane]Backend
	logger   *slog.Logger
}

// New registers backends by lane.
func New(logger *slog.Logger, backends ...Backend) *Deployer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	d := &Deployer{backends: map[domain.Lane]Backend{}, logger: logger}
	for _, b := range backends {
		if b != nil {
			d.backends[b.Lane()] = b
		}
	}
	return d
}

// Deploy publishes req on det.Target. A failure on a non-static lane is
// retried on static hosting only when AllowStaticFallback(det) holds.
func (d *Deployer) Deploy(ctx context.Context, det domain.TargetDetection, req Request) (domain.DeploymentResult, error) {
	lane := det.Target
	if !lane.Valid() {
		lane = domain.LaneStatic
	}
	if req.DeploymentID == "" {
		req.DeploymentID = uuid.NewString()
	}
	log := d.logger.With("project_id", req.ProjectID, "version_id", req.VersionID, "lane", lane)

	res, err := d.deployOn(ctx, lane, req)
	if err == nil {
		return domain.DeploymentResult{DeployedURL: res.URL, Target: lane, DeploymentID: res.DeploymentID}, nil
	}
	if lane == domain.LaneStatic {
		return domain.DeploymentResult{}, fmt.Errorf("static deploy: %w", err)
	}
	if ctx.Err() != nil {
		return domain.DeploymentResult{}, fmt.Errorf("%s deploy: %w", lane, err)
	}
	if !AllowStaticFallback(det) {
		log.Error("deploy failed, static fallback refused", "error", err, "reasons", det.Reasons)
		return domain.DeploymentResult{}, &UnsafeFallbackError{Lane: lane, Reasons: det.Reasons, Err: err}
	}

	reason := fmt.Sprintf("%s deploy failed: %v", lane, err)
	log.Warn("deploy failed, falling back to static hosting", "error", err)
	res, fbErr := d.deployOn(ctx, domain.LaneStatic, req)
	if fbErr != nil {
		return domain.DeploymentResult{}, fmt.Errorf("static fallback after %s failure: %w", lane, errors.Join(err, fbErr))
	}
	return domain.DeploymentResult{
		DeployedURL:  res.URL,
		Target:       domain.LaneStatic,
		DeploymentID: res.DeploymentID,
		Switched:     true,
		SwitchReason: reason,
	}, nil
}

func (d *Deployer) deployOn(ctx context.Context, lane domain.Lane, req Request) (BackendResult, error) {
	b, ok := d.backends[lane]
	if !ok {
		return BackendResult{}, fmt.Errorf("%w %s", ErrNoBackend, lane)
	}
	res, err := b.Deploy(ctx, req)
	if err != nil {
		return BackendResult{}, err
	}
	if res.URL == "" {
		return BackendResult{}, fmt.Errorf("%s backend returned no url", lane)
	}
	if res.DeploymentID == "" {
		res.DeploymentID = req.DeploymentID
	}
	return res, nil
}
