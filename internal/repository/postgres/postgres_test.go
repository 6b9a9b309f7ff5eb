package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/localvercel/pipeline/internal/app/migrate"
	"github.com/splax/localvercel/pipeline/internal/domain"
)

// newRepository connects to PIPELINE_TEST_DATABASE_URL and applies the
// migrations. Tests skip when the variable is unset.
func newRepository(t *testing.T) *Repository {
	t.Helper()
	dsn := os.Getenv("PIPELINE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("PIPELINE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	runner, err := migrate.New(dsn, nil)
	require.NoError(t, err)
	require.NoError(t, runner.Ensure(ctx))

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return New(pool)
}

func TestVersionRoundTrip(t *testing.T) {
	repo := newRepository(t)
	ctx := context.Background()
	project := "p-" + uuid.NewString()

	v := &domain.Version{
		ID:        uuid.NewString(),
		ProjectID: project,
		UserID:    "u1",
		BuildID:   "b1",
		Lane:      domain.LaneNodeWorker,
		Detection: &domain.TargetDetection{
			Target:   domain.LaneNodeWorker,
			Origin:   domain.OriginRuleMatch,
			Reasons:  []string{"node builtin fs"},
			Evidence: []domain.Evidence{{Kind: domain.EvidenceNodeBuiltin, File: "server.js", Detail: "fs"}},
		},
		Deployment: domain.DeploymentResult{DeployedURL: "http://127.0.0.1:3000", Target: domain.LaneNodeWorker},
	}
	require.NoError(t, repo.CreateVersion(ctx, v))
	assert.ErrorIs(t, repo.CreateVersion(ctx, v), domain.ErrAlreadyExists)

	n, err := repo.NextDisplayVersion(ctx, project)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	record := &domain.ArtifactRecord{VersionID: v.ID, StorageKey: "standard/u1/" + project + "/" + v.ID + ".tar.gz", SizeBytes: 42}
	require.NoError(t, repo.UpdateVersion(ctx, domain.VersionUpdate{ID: v.ID, DisplayVersion: &n, Artifact: record}))

	got, err := repo.GetVersion(ctx, v.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Detection)
	assert.Equal(t, domain.EvidenceNodeBuiltin, got.Detection.Evidence[0].Kind)
	require.NotNil(t, got.Artifact)
	assert.EqualValues(t, 42, got.Artifact.SizeBytes)
	require.NotNil(t, got.DisplayVersion)
	assert.Equal(t, 1, *got.DisplayVersion)

	latest, err := repo.LatestVersion(ctx, project)
	require.NoError(t, err)
	assert.Equal(t, v.ID, latest.ID)

	assert.ErrorIs(t, repo.UpdateVersion(ctx, domain.VersionUpdate{ID: "missing"}), domain.ErrNotFound)
}

func TestRunDedup(t *testing.T) {
	repo := newRepository(t)
	ctx := context.Background()
	run := domain.JobRun{BuildID: uuid.NewString(), ProjectID: "p1", VersionID: "v1"}

	_, started, err := repo.BeginRun(ctx, run, time.Hour)
	require.NoError(t, err)
	assert.True(t, started)

	_, started, err = repo.BeginRun(ctx, run, time.Hour)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.False(t, started)

	run.Status = domain.RunFailed
	run.Stage = domain.StageBuild
	run.Reason = "exit 1"
	require.NoError(t, repo.FinishRun(ctx, run))

	existing, started, err := repo.BeginRun(ctx, run, time.Hour)
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, domain.RunFailed, existing.Status)
	assert.Equal(t, domain.StageBuild, existing.Stage)
}
