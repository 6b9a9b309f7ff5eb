package migrate

import (
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/localvercel/pipeline/db"
)

func TestEmbeddedMigrationsHaveGooseSections(t *testing.T) {
	entries, err := fs.ReadDir(db.Migrations, db.MigrationsDir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	for _, e := range entries {
		raw, err := fs.ReadFile(db.Migrations, db.MigrationsDir+"/"+e.Name())
		require.NoError(t, err)
		body := string(raw)
		assert.True(t, strings.Contains(body, "-- +goose Up"), e.Name())
		assert.True(t, strings.Contains(body, "-- +goose Down"), e.Name())
	}
}

func TestNewValidatesInputs(t *testing.T) {
	_, err := New("", nil)
	assert.Error(t, err)

	_, err = NewWithFS("postgres://localhost/db", fstest.MapFS{}, "migrations", nil)
	assert.Error(t, err)

	r, err := New("postgres://localhost/db", nil)
	require.NoError(t, err)
	assert.Equal(t, db.MigrationsDir, r.dir)
}

func TestRunnerReadsMigrationsFromSubdirectory(t *testing.T) {
	fsys := fstest.MapFS{
		"sql/00001_init.sql": {Data: []byte("-- +goose Up\nSELECT 1;\n-- +goose Down\nSELECT 1;\n")},
	}
	r, err := NewWithFS("postgres://localhost/db", fsys, "sql", nil)
	require.NoError(t, err)
	_, err = fs.Stat(r.fsys, "00001_init.sql")
	assert.NoError(t, err)
}
