// Package repository declares the persistence contracts of the pipeline.
package repository

import (
	"context"
	"time"

	"github.com/splax/localvercel/pipeline/internal/domain"
)

// VersionStore persists project version records.
type VersionStore interface {
	CreateVersion(ctx context.Context, version *domain.Version) error
	UpdateVersion(ctx context.Context, update domain.VersionUpdate) error
	GetVersion(ctx context.Context, versionID string) (*domain.Version, error)
	ListVersions(ctx context.Context, projectID string, limit int) ([]domain.Version, error)
	// LatestVersion returns the most recently created version of a project.
	LatestVersion(ctx context.Context, projectID string) (*domain.Version, error)
	// NextDisplayVersion atomically allocates the next per-project counter
	// value, starting at 1.
	NextDisplayVersion(ctx context.Context, projectID string) (int, error)
}

// RunStore records job runs keyed by build id so that a redelivered job can
// be recognised.
type RunStore interface {
	// BeginRun records run as running. When a row already exists it is
	// returned with started=false, except that a running row last updated
	// more than staleAfter ago is taken over (started=true). A fresh running
	// row fails with domain.ErrConflict.
	BeginRun(ctx context.Context, run domain.JobRun, staleAfter time.Duration) (existing *domain.JobRun, started bool, err error)
	// TouchRun records stage progress on a running row.
	TouchRun(ctx context.Context, buildID string, stage domain.Stage) error
	// FinishRun stores the terminal status of a run.
	FinishRun(ctx context.Context, run domain.JobRun) error
	// AbandonRun drops a running row so that a redelivery starts afresh.
	// Terminal rows are left untouched.
	AbandonRun(ctx context.Context, buildID string) error
	GetRun(ctx context.Context, buildID string) (*domain.JobRun, error)
}

// Terminal reports whether a run finished.
func Terminal(run *domain.JobRun) bool {
	return run != nil && (run.Status == domain.RunDeployed || run.Status == domain.RunFailed)
}
