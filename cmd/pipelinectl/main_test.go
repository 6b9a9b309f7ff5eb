package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/localvercel/pipeline/internal/domain"
	"github.com/splax/localvercel/pipeline/pkg/jwt"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("PIPELINE_TOKEN", "")
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestDetectStaticSite(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html></html>"), 0o644))

	out, err := execute(t, "detect", dir, "-o", "json")
	require.NoError(t, err)
	var report detectReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, domain.LaneStatic, report.Target.Target)
	assert.Equal(t, "static", string(report.Framework))
}

func TestVersionsAgainstServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/projects/p1/versions", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"versions":[{"id":"v2","projectId":"p1","lane":"static","displayVersion":2,"rolledBackFrom":"v1"}]}`))
	}))
	defer srv.Close()

	out, err := execute(t, "versions", "p1", "--api", srv.URL, "--token", "tok")
	require.NoError(t, err)
	assert.Contains(t, out, "v2  v2  static")
	assert.Contains(t, out, "rollback of v1")
	assert.Contains(t, out, "no artifact")
}

func TestRollbackConflictIsExplained(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"conflict"}`))
	}))
	defer srv.Close()

	_, err := execute(t, "rollback", "p1", "v1", "--user", "u1", "--api", srv.URL, "--token", "tok")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "holds the project")
}

func TestRemoteCommandsNeedToken(t *testing.T) {
	_, err := execute(t, "status", "b1", "--api", "http://127.0.0.1:1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no service token")
}

func TestTokenCommandMintsParsableToken(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	out, err := execute(t, "token", "--subject", "ci", "--scope", jwt.ScopeJobsWrite)
	require.NoError(t, err)
	claims, err := jwt.Parse(string(bytes.TrimSpace([]byte(out))), "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "ci", claims.Subject)
	assert.Equal(t, []string{jwt.ScopeJobsWrite}, claims.Scopes)
}
