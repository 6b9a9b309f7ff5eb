package filesystem

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/localvercel/pipeline/internal/domain"
	"github.com/splax/localvercel/pipeline/internal/storage"
)

func TestUploadDownloadStat(t *testing.T) {
	store, err := New(t.TempDir(), "http://cdn.local/")
	require.NoError(t, err)
	src := filepath.Join(t.TempDir(), "a.tar.gz")
	require.NoError(t, os.WriteFile(src, []byte("archive-bytes"), 0o644))

	res, err := store.Upload(context.Background(), src, "/standard/u/p/v.tar.gz", storage.UploadOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(len("archive-bytes")), res.Size)
	assert.Equal(t, "http://cdn.local/standard/u/p/v.tar.gz", res.URL)

	info, err := store.Stat(context.Background(), "standard/u/p/v.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, res.Size, info.Size)

	dest := filepath.Join(t.TempDir(), "out", "v.tar.gz")
	require.NoError(t, store.Download(context.Background(), "standard/u/p/v.tar.gz", dest))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "archive-bytes", string(data))
}

func TestMissingObject(t *testing.T) {
	store, err := New(t.TempDir(), "")
	require.NoError(t, err)
	err = store.Download(context.Background(), "nope", filepath.Join(t.TempDir(), "x"))
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	_, err = store.Stat(context.Background(), "nope")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestKeyCannotEscapeRoot(t *testing.T) {
	store, err := New(t.TempDir(), "")
	require.NoError(t, err)
	src := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))
	_, err = store.Upload(context.Background(), src, "../../etc/passwd", storage.UploadOptions{})
	assert.Error(t, err)
}

func TestDownloadFirstTriesVariants(t *testing.T) {
	store, err := New(t.TempDir(), "")
	require.NoError(t, err)
	src := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(src, []byte("monthly"), 0o644))
	_, err = store.Upload(context.Background(), src, "monthly/u/p/v.tar.gz", storage.UploadOptions{})
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "v.tar.gz")
	key, err := storage.DownloadFirst(context.Background(), store, []string{"yearly/u/p/v.tar.gz", "monthly/u/p/v.tar.gz", "standard/u/p/v.tar.gz"}, dest)
	require.NoError(t, err)
	assert.Equal(t, "monthly/u/p/v.tar.gz", key)

	_, err = storage.DownloadFirst(context.Background(), store, []string{"yearly/x", "standard/x"}, dest)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}
