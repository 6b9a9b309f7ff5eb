// Package postgres implements the repository contracts on PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/localvercel/pipeline/internal/domain"
	"github.com/splax/localvercel/pipeline/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.VersionStore = (*Repository)(nil)
	_ repository.RunStore     = (*Repository)(nil)
)

const versionColumns = `id, project_id, user_id, build_id, display_version, prompt, base_version_id,
	rolled_back_from, framework, package_manager, install_strategy, lane, detection, deployment,
	artifact, install_ms, build_ms, deploy_ms, total_ms, cache_hit, created_at, updated_at`

// CreateVersion inserts a version record.
func (r *Repository) CreateVersion(ctx context.Context, v *domain.Version) error {
	detection, err := marshalNullable(v.Detection)
	if err != nil {
		return err
	}
	artifact, err := marshalNullable(v.Artifact)
	if err != nil {
		return err
	}
	deployment, err := json.Marshal(v.Deployment)
	if err != nil {
		return fmt.Errorf("encode deployment: %w", err)
	}
	now := time.Now().UTC()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now
	const query = `INSERT INTO project_versions (` + versionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`
	_, err = r.pool.Exec(ctx, query,
		v.ID, v.ProjectID, v.UserID, v.BuildID, v.DisplayVersion, v.Prompt, v.BaseVersionID,
		v.RolledBackFrom, v.Framework, v.PackageManager, v.InstallStrategy, string(v.Lane), detection, deployment,
		artifact, v.InstallMS, v.BuildMS, v.DeployMS, v.TotalMS, v.CacheHit, v.CreatedAt, v.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("version %s: %w", v.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

// UpdateVersion applies the non-nil fields of update.
func (r *Repository) UpdateVersion(ctx context.Context, update domain.VersionUpdate) error {
	artifact, err := marshalNullable(update.Artifact)
	if err != nil {
		return err
	}
	const query = `UPDATE project_versions SET
		display_version = COALESCE($2, display_version),
		artifact = COALESCE($3, artifact),
		total_ms = COALESCE($4, total_ms),
		updated_at = NOW()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, update.ID, update.DisplayVersion, artifact, update.TotalMS)
	if err != nil {
		return fmt.Errorf("update version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("version %s: %w", update.ID, domain.ErrNotFound)
	}
	return nil
}

// GetVersion fetches a version by identifier.
func (r *Repository) GetVersion(ctx context.Context, versionID string) (*domain.Version, error) {
	const query = `SELECT ` + versionColumns + ` FROM project_versions WHERE id = $1`
	v, err := scanVersion(r.pool.QueryRow(ctx, query, versionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("version %s: %w", versionID, domain.ErrNotFound)
		}
		return nil, err
	}
	return v, nil
}

// ListVersions returns a project's versions, newest first.
func (r *Repository) ListVersions(ctx context.Context, projectID string, limit int) ([]domain.Version, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT ` + versionColumns + ` FROM project_versions
		WHERE project_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	versions := make([]domain.Version, 0)
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

// LatestVersion returns the newest version of a project.
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

// NextDisplayVersion increments the project counter in a single statement.
func (r *Repository) NextDisplayVersion(ctx context.Context, projectID string) (int, error) {
	const query = `INSERT INTO project_version_counters (project_id, last_value)
		VALUES ($1, 1)
		ON CONFLICT (project_id) DO UPDATE SET last_value = project_version_counters.last_value + 1
		RETURNING last_value`
	var n int
	if err := r.pool.QueryRow(ctx, query, projectID).Scan(&n); err != nil {
		return 0, fmt.Errorf("next display version: %w", err)
	}
	return n, nil
}

const runColumns = `build_id, project_id, version_id, status, stage, reason, preview_url, deployment_id, started_at, updated_at`

// BeginRun inserts a running row or reports the existing one.
func (r *Repository) BeginRun(ctx context.Context, run domain.JobRun, staleAfter time.Duration) (*domain.JobRun, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin run tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insert = `INSERT INTO job_runs (build_id, project_id, version_id, status, started_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (build_id) DO NOTHING`
	tag, err := tx.Exec(ctx, insert, run.BuildID, run.ProjectID, run.VersionID, string(domain.RunRunning))
	if err != nil {
		return nil, false, fmt.Errorf("insert run: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil, true, tx.Commit(ctx)
	}

	const selectRow = `SELECT ` + runColumns + ` FROM job_runs WHERE build_id = $1 FOR UPDATE`
	existing, err := scanRun(tx.QueryRow(ctx, selectRow, run.BuildID))
	if err != nil {
		return nil, false, fmt.Errorf("load run: %w", err)
	}
	if repository.Terminal(existing) {
		return existing, false, tx.Commit(ctx)
	}
	if staleAfter <= 0 || time.Since(existing.UpdatedAt) <= staleAfter {
		return existing, false, fmt.Errorf("build %s is already running: %w", run.BuildID, domain.ErrConflict)
	}
	const takeover = `UPDATE job_runs SET started_at = NOW(), updated_at = NOW(), stage = '' WHERE build_id = $1`
	if _, err := tx.Exec(ctx, takeover, run.BuildID); err != nil {
		return nil, false, fmt.Errorf("take over run: %w", err)
	}
	return existing, true, tx.Commit(ctx)
}

// TouchRun records the current stage of a running row.
func (r *Repository) TouchRun(ctx context.Context, buildID string, stage domain.Stage) error {
	const query = `UPDATE job_runs SET stage = $2, updated_at = NOW() WHERE build_id = $1`
	tag, err := r.pool.Exec(ctx, query, buildID, string(stage))
	if err != nil {
		return fmt.Errorf("touch run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", buildID, domain.ErrNotFound)
	}
	return nil
}

// FinishRun stores the terminal fields of a run.
func (r *Repository) FinishRun(ctx context.Context, run domain.JobRun) error {
	const query = `UPDATE job_runs SET status = $2, stage = $3, reason = $4, preview_url = $5,
		deployment_id = $6, updated_at = NOW()
		WHERE build_id = $1`
	tag, err := r.pool.Exec(ctx, query, run.BuildID, string(run.Status), string(run.Stage), run.Reason, run.PreviewURL, run.DeploymentID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", run.BuildID, domain.ErrNotFound)
	}
	return nil
}

// AbandonRun deletes a running row.
func (r *Repository) AbandonRun(ctx context.Context, buildID string) error {
	const query = `DELETE FROM job_runs WHERE build_id = $1 AND status = 'running'`
	if _, err := r.pool.Exec(ctx, query, buildID); err != nil {
		return fmt.Errorf("abandon run: %w", err)
	}
	return nil
}

// GetRun fetches a run by build id.
func (r *Repository) GetRun(ctx context.Context, buildID string) (*domain.JobRun, error) {
	const query = `SELECT ` + runColumns + ` FROM job_runs WHERE build_id = $1`
	run, err := scanRun(r.pool.QueryRow(ctx, query, buildID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", buildID, domain.ErrNotFound)
		}
		return nil, err
	}
	return run, nil
}

func scanVersion(row pgx.Row) (*domain.Version, error) {
	var (
		v                               domain.Version
		lane                            string
		detection, deployment, artifact []byte
	)
	if err := row.Scan(
		&v.ID, &v.ProjectID, &v.UserID, &v.BuildID, &v.DisplayVersion, &v.Prompt, &v.BaseVersionID,
		&v.RolledBackFrom, &v.Framework, &v.PackageManager, &v.InstallStrategy, &lane, &detection, &deployment,
		&artifact, &v.InstallMS, &v.BuildMS, &v.DeployMS, &v.TotalMS, &v.CacheHit, &v.CreatedAt, &v.UpdatedAt,
	); err != nil {
		return nil, err
	}
	v.Lane = domain.Lane(lane)
	if len(detection) > 0 {
		v.Detection = &domain.TargetDetection{}
		if err := json.Unmarshal(detection, v.Detection); err != nil {
			return nil, fmt.Errorf("decode detection: %w", err)
		}
	}
	if len(deployment) > 0 {
		if err := json.Unmarshal(deployment, &v.Deployment); err != nil {
			return nil, fmt.Errorf("decode deployment: %w", err)
		}
	}
	if len(artifact) > 0 {
		v.Artifact = &domain.ArtifactRecord{}
		if err := json.Unmarshal(artifact, v.Artifact); err != nil {
			return nil, fmt.Errorf("decode artifact: %w", err)
		}
	}
	return &v, nil
}

func scanRun(row pgx.Row) (*domain.JobRun, error) {
	var (
		run           domain.JobRun
		status, stage string
	)
	if err := row.Scan(&run.BuildID, &run.ProjectID, &run.VersionID, &status, &stage, &run.Reason,
		&run.PreviewURL, &run.DeploymentID, &run.StartedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.Status = domain.RunStatus(status)
	run.Stage = domain.Stage(stage)
	return &run, nil
}

func marshalNullable[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return data, nil
}
