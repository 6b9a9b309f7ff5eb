package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/localvercel/pipeline/internal/domain"
)

func TestVersionLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := New()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"v1", "v2", "v3"} {
		require.NoError(t, repo.CreateVersion(ctx, &domain.Version{
			ID:        id,
			ProjectID: "p1",
			UserID:    "u1",
			Lane:      domain.LaneStatic,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, repo.CreateVersion(ctx, &domain.Version{ID: "other", ProjectID: "p2", CreatedAt: base}))

	err := repo.CreateVersion(ctx, &domain.Version{ID: "v1", ProjectID: "p1"})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	list, err := repo.ListVersions(ctx, "p1", 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "v3", list[0].ID)
	assert.Equal(t, "v2", list[1].ID)

	latest, err := repo.LatestVersion(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "v3", latest.ID)

	display := 7
	total := int64(1234)
	record := &domain.ArtifactRecord{VersionID: "v3", StorageKey: "standard/u1/p1/v3.tar.gz"}
	require.NoError(t, repo.UpdateVersion(ctx, domain.VersionUpdate{ID: "v3", DisplayVersion: &display, Artifact: record, TotalMS: &total}))

	got, err := repo.GetVersion(ctx, "v3")
	require.NoError(t, err)
	require.NotNil(t, got.DisplayVersion)
	assert.Equal(t, 7, *got.DisplayVersion)
	assert.Equal(t, record.StorageKey, got.Artifact.StorageKey)
	assert.EqualValues(t, 1234, got.TotalMS)

	_, err = repo.GetVersion(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = repo.LatestVersion(ctx, "empty")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestNextDisplayVersionIsAtomic(t *testing.T) {
	ctx := context.Background()
	repo := New()
	var wg sync.WaitGroup
	seen := make(chan int, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := repo.NextDisplayVersion(ctx, "p1")
			assert.NoError(t, err)
			seen <- n
		}()
	}
	wg.Wait()
	close(seen)
	unique := map[int]bool{}
	for n := range seen {
		unique[n] = true
	}
	assert.Len(t, unique, 50)
	assert.True(t, unique[1])
	assert.True(t, unique[50])

	n, err := repo.NextDisplayVersion(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBeginRunDedup(t *testing.T) {
	ctx := context.Background()
	repo := New()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }
	run := domain.JobRun{BuildID: "b1", ProjectID: "p1", VersionID: "v1"}

	existing, started, err := repo.BeginRun(ctx, run, time.Minute)
	require.NoError(t, err)
	assert.True(t, started)
	assert.Nil(t, existing)

	_, started, err = repo.BeginRun(ctx, run, time.Minute)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.False(t, started)

	now = now.Add(2 * time.Minute)
	existing, started, err = repo.BeginRun(ctx, run, time.Minute)
	require.NoError(t, err)
	assert.True(t, started, "stale running row is taken over")
	require.NotNil(t, existing)
	assert.Equal(t, domain.RunRunning, existing.Status)

	require.NoError(t, repo.TouchRun(ctx, "b1", domain.StageBuild))
	require.NoError(t, repo.FinishRun(ctx, domain.JobRun{
		BuildID: "b1", ProjectID: "p1", VersionID: "v1",
		Status: domain.RunDeployed, PreviewURL: "https://p1.example.dev",
	}))

	now = now.Add(time.Hour)
	existing, started, err = repo.BeginRun(ctx, run, time.Minute)
	require.NoError(t, err)
	assert.False(t, started)
	require.NotNil(t, existing)
	assert.Equal(t, domain.RunDeployed, existing.Status)
	assert.Equal(t, "https://p1.example.dev", existing.PreviewURL)
}

func TestAbandonRunKeepsTerminalRows(t *testing.T) {
	ctx := context.Background()
	repo := New()

	_, started, err := repo.BeginRun(ctx, domain.JobRun{BuildID: "b1"}, time.Hour)
	require.NoError(t, err)
	require.True(t, started)
	require.NoError(t, repo.AbandonRun(ctx, "b1"))
	_, err = repo.GetRun(ctx, "b1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, started, err = repo.BeginRun(ctx, domain.JobRun{BuildID: "b1"}, time.Hour)
	require.NoError(t, err)
	require.True(t, started)
	require.NoError(t, repo.FinishRun(ctx, domain.JobRun{BuildID: "b1", Status: domain.RunDeployed}))
	require.NoError(t, repo.AbandonRun(ctx, "b1"))
	run, err := repo.GetRun(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunDeployed, run.Status)
}
