// Package memory implements the repository contracts in process memory for
// local mode and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/splax/localvercel/pipeline/internal/domain"
	"github.com/splax/localvercel/pipeline/internal/repository"
)

// Repository is an in-memory VersionStore and RunStore.
type Repository struct {
	mu       sync.Mutex
	versions map[string]domain.Version
	counters map[string]int
	runs     map[string]domain.JobRun
	now      func() time.Time
}

var (
	_ repository.VersionStore = (*Repository)(nil)
	_ repository.RunStore     = (*Repository)(nil)
)

func New() *Repository {
	return &Repository{
		versions: make(map[string]domain.Version),
		counters: make(map[string]int),
		runs:     make(map[string]domain.JobRun),
		now:      time.Now,
	}
}

func (r *Repository) CreateVersion(_ context.Context, version *domain.Version) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.versions[version.ID]; ok {
		return fmt.Errorf("version %s: %w", version.ID, domain.ErrAlreadyExists)
	}
	now := r.now().UTC()
	if version.CreatedAt.IsZero() {
		version.CreatedAt = now
	}
	version.UpdatedAt = now
	r.versions[version.ID] = *version
	return nil
}

func (r *Repository) UpdateVersion(_ context.Context, update domain.VersionUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.versions[update.ID]
	if !ok {
		return fmt.Errorf("version %s: %w", update.ID, domain.ErrNotFound)
	}
	if update.DisplayVersion != nil {
		n := *update.DisplayVersion
		v.DisplayVersion = &n
	}
	if update.Artifact != nil {
		a := *update.Artifact
		v.Artifact = &a
	}
	if update.TotalMS != nil {
		v.TotalMS = *update.TotalMS
	}
	v.UpdatedAt = r.now().UTC()
	r.versions[update.ID] = v
	return nil
}

func (r *Repository) GetVersion(_ context.Context, versionID string) (*domain.Version, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.versions[versionID]
	if !ok {
		return nil, fmt.Errorf("version %s: %w", versionID, domain.ErrNotFound)
	}
	return &v, nil
}

func (r *Repository) ListVersions(_ context.Context, projectID string, limit int) ([]domain.Version, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Version, 0)
	for _, v := range r.versions {
		if v.ProjectID == projectID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Repository) LatestVersion(ctx context.Context, projectID string) (*domain.Version, error) {
	versions, err := r.ListVersions(ctx, projectID, 1)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("project %s has no versions: %w", projectID, domain.ErrNotFound)
	}
	return &versions[0], nil
}

func (r *Repository) NextDisplayVersion(_ context.Context, projectID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[projectID]++
	return r.counters[projectID], nil
}

func (r *Repository) BeginRun(_ context.Context, run domain.JobRun, staleAfter time.Duration) (*domain.JobRun, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now().UTC()
	existing, ok := r.runs[run.BuildID]
	if !ok {
		run.Status = domain.RunRunning
		run.StartedAt = now
		run.UpdatedAt = now
		r.runs[run.BuildID] = run
		return nil, true, nil
	}
	prev := existing
	switch {
	case repository.Terminal(&existing):
		return &prev, false, nil
	case staleAfter > 0 && now.Sub(existing.UpdatedAt) > staleAfter:
		existing.StartedAt = now
		existing.UpdatedAt = now
		existing.Stage = ""
		r.runs[run.BuildID] = existing
		return &prev, true, nil
	default:
		return &prev, false, fmt.Errorf("build %s is already running: %w", run.BuildID, domain.ErrConflict)
	}
}

func (r *Repository) TouchRun(_ context.Context, buildID string, stage domain.Stage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[buildID]
	if !ok {
		return fmt.Errorf("run %s: %w", buildID, domain.ErrNotFound)
	}
	run.Stage = stage
	run.UpdatedAt = r.now().UTC()
	r.runs[buildID] = run
	return nil
}

func (r *Repository) FinishRun(_ context.Context, run domain.JobRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.runs[run.BuildID]
	if !ok {
		return fmt.Errorf("run %s: %w", run.BuildID, domain.ErrNotFound)
	}
	run.StartedAt = existing.StartedAt
	run.UpdatedAt = r.now().UTC()
	r.runs[run.BuildID] = run
	return nil
}

func (r *Repository) AbandonRun(_ context.Context, buildID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.runs[buildID]; ok && run.Status == domain.RunRunning {
		delete(r.runs, buildID)
	}
	return nil
}

func (r *Repository) GetRun(_ context.Context, buildID string) (*domain.JobRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[buildID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", buildID, domain.ErrNotFound)
	}
	return &run, nil
}
