package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/localvercel/pipeline/internal/domain"
)

func TestNewNormalisesBaseURL(t *testing.T) {
	cli, err := New("localhost:5050/")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:5050", cli.baseURL)
}

func TestEnqueueSendsTokenAndJob(t *testing.T) {
	var got domain.DeployJob
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/jobs", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"queued"}`))
	}))
	defer srv.Close()

	cli, err := New(srv.URL, WithToken("tok"))
	require.NoError(t, err)
	require.NoError(t, cli.Enqueue(context.Background(), domain.DeployJob{BuildID: "b1", ProjectID: "p1"}))
	assert.Equal(t, "b1", got.BuildID)
}

func TestRollbackConflictSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/projects/p1/rollback", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"project is locked"}`))
	}))
	defer srv.Close()

	cli, err := New(srv.URL)
	require.NoError(t, err)
	_, err = cli.Rollback(context.Background(), "u1", "p1", "v1", "")
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.Contains(t, err.Error(), "project is locked")
}

func TestVersionsDecodesList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "3", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"versions":[{"id":"v2","projectId":"p1","lane":"static"},{"id":"v1","projectId":"p1","lane":"static"}]}`))
	}))
	defer srv.Close()

	cli, err := New(srv.URL)
	require.NoError(t, err)
	versions, err := cli.Versions(context.Background(), "p1", 3)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "v2", versions[0].ID)
	assert.Equal(t, domain.LaneStatic, versions[0].Lane)
}
