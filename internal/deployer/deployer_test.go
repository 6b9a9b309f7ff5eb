package deployer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/localvercel/pipeline/internal/domain"
	"github.com/splax/localvercel/pipeline/internal/framework"
	"github.com/splax/localvercel/pipeline/internal/storage/filesystem"
)

type fakeBackend struct {
	lane  domain.Lane
	url   string
	err   error
	calls int
}

func (f *fakeBackend) Lane() domain.Lane { return f.lane }

func (f *fakeBackend) Deploy(context.Context, Request) (BackendResult, error) {
	f.calls++
	if f.err != nil {
		return BackendResult{}, f.err
	}
	return BackendResult{URL: f.url}, nil
}

func nodeDetection() domain.TargetDetection {
	return domain.TargetDetection{
		Target:  domain.LaneNodeWorker,
		Origin:  domain.OriginRuleMatch,
		Reasons: []string{"api route pages/api/files.ts imports node:fs"},
		Evidence: []domain.Evidence{
			{Kind: domain.EvidenceAPIRoute, File: "pages/api/files.ts"},
			{Kind: domain.EvidenceNodeBuiltin, File: "pages/api/files.ts", Detail: "fs"},
		},
	}
}

func TestDeployPrimaryLane(t *testing.T) {
	node := &fakeBackend{lane: domain.LaneNodeWorker, url: "http://127.0.0.1:49000"}
	static := &fakeBackend{lane: domain.LaneStatic, url: "http://cdn/site/"}
	d := New(nil, node, static)

	res, err := d.Deploy(context.Background(), nodeDetection(), Request{ProjectID: "p", VersionID: "v", DeploymentID: "dep"})
	require.NoError(t, err)
	assert.Equal(t, domain.LaneNodeWorker, res.Target)
	assert.Equal(t, "http://127.0.0.1:49000", res.DeployedURL)
	assert.Equal(t, "dep", res.DeploymentID)
	assert.False(t, res.Switched)
	assert.Zero(t, static.calls)
}

func TestDeployRefusesUnsafeStaticFallback(t *testing.T) {
	node := &fakeBackend{lane: domain.LaneNodeWorker, err: errors.New("docker daemon unreachable")}
	static := &fakeBackend{lane: domain.LaneStatic, url: "http://cdn/site/"}
	d := New(nil, node, static)

	_, err := d.Deploy(context.Background(), nodeDetection(), Request{ProjectID: "p", VersionID: "v"})
	var unsafe *UnsafeFallbackError
	require.True(t, errors.As(err, &unsafe))
	assert.Equal(t, domain.LaneNodeWorker, unsafe.Lane)
	assert.Equal(t, nodeDetection().Reasons, unsafe.Reasons)
	assert.Contains(t, err.Error(), "docker daemon unreachable")
	assert.Zero(t, static.calls, "static hosting must not be attempted")
}

func TestDeployRefusesFallbackForEdgeWithServerEvidence(t *testing.T) {
	edge := &fakeBackend{lane: domain.LaneEdgeWorker, err: errors.New("edge api 502")}
	static := &fakeBackend{lane: domain.LaneStatic, url: "http://cdn/site/"}
	det := domain.TargetDetection{
		Target:   domain.LaneEdgeWorker,
		Evidence: []domain.Evidence{{Kind: domain.EvidenceEdgeRuntime, File: "app/api/hello/route.ts"}},
	}
	_, err := New(nil, edge, static).Deploy(context.Background(), det, Request{})
	var unsafe *UnsafeFallbackError
	assert.True(t, errors.As(err, &unsafe))
	assert.Zero(t, static.calls)
}

func TestDeployFallsBackWhenNoServerEvidence(t *testing.T) {
	edge := &fakeBackend{lane: domain.LaneEdgeWorker, err: errors.New("edge api 502")}
	static := &fakeBackend{lane: domain.LaneStatic, url: "http://cdn/site/"}
	det := domain.TargetDetection{
		Target:   domain.LaneEdgeWorker,
		Origin:   domain.OriginFallback,
		Evidence: []domain.Evidence{{Kind: domain.EvidenceStaticExport, Detail: "output: export"}},
	}
	res, err := New(nil, edge, static).Deploy(context.Background(), det, Request{})
	require.NoError(t, err)
	assert.Equal(t, domain.LaneStatic, res.Target)
	assert.True(t, res.Switched)
	assert.Contains(t, res.SwitchReason, "edge api 502")
}

func TestDeployStaticFailureIsFatal(t *testing.T) {
	static := &fakeBackend{lane: domain.LaneStatic, err: errors.New("bucket gone")}
	_, err := New(nil, static).Deploy(context.Background(), domain.TargetDetection{Target: domain.LaneStatic}, Request{})
	require.Error(t, err)
	assert.Equal(t, 1, static.calls)
}

func TestDeployMissingBackend(t *testing.T) {
	_, err := New(nil).Deploy(context.Background(), domain.TargetDetection{Target: domain.LaneStatic}, Request{})
	assert.True(t, errors.Is(err, ErrNoBackend))
}

func TestAllowStaticFallback(t *testing.T) {
	assert.False(t, AllowStaticFallback(nodeDetection()))
	assert.False(t, AllowStaticFallback(domain.TargetDetection{Target: domain.LaneNodeWorker}))
	assert.True(t, AllowStaticFallback(domain.TargetDetection{Target: domain.LaneEdgeWorker}))
}

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
}

func TestStaticBackendUploadsSite(t *testing.T) {
	root := t.TempDir()
	store, err := filesystem.New(root, "http://blobs.local")
	require.NoError(t, err)
	out := t.TempDir()
	writeFile(t, out, "index.html", "<h1>hi</h1>")
	writeFile(t, out, "assets/app.js", "1")
	writeFile(t, out, ".env", "SECRET=1")

	res, err := NewStaticBackend(store, "").Deploy(context.Background(), Request{ProjectID: "p1", VersionID: "v1", OutputDir: out})
	require.NoError(t, err)
	assert.Equal(t, "http://blobs.local/sites/p1/v1/", res.URL)
	assert.FileExists(t, filepath.Join(root, "sites", "p1", "v1", "assets", "app.js"))
	assert.NoFileExists(t, filepath.Join(root, "sites", "p1", "v1", ".env"))

	res, err = NewStaticBackend(store, "https://sites.example.com/").Deploy(context.Background(), Request{ProjectID: "p1", VersionID: "v2", OutputDir: out})
	require.NoError(t, err)
	assert.Equal(t, "https://sites.example.com/sites/p1/v2/", res.URL)
}

func TestStaticBackendEmptyOutput(t *testing.T) {
	store, err := filesystem.New(t.TempDir(), "")
	require.NoError(t, err)
	_, err = NewStaticBackend(store, "").Deploy(context.Background(), Request{ProjectID: "p", VersionID: "v", OutputDir: t.TempDir()})
	assert.Error(t, err)
}

func TestEdgeBackendPostsBundle(t *testing.T) {
	var gotAuth, gotProject string
	var bodyLen int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotProject = r.Header.Get("X-Project-ID")
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(gz)
		bodyLen = len(data)
		_, _ = w.Write([]byte(`{"url":"https://p1.edge.example","deploymentId":"edge-1"}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	writeFile(t, dir, "app/api/hello/route.ts", "export const runtime = 'edge'")
	res, err := NewEdgeBackend(srv.URL, "tok", srv.Client()).Deploy(context.Background(), Request{ProjectID: "p1", ProjectDir: dir})
	require.NoError(t, err)
	assert.Equal(t, "https://p1.edge.example", res.URL)
	assert.Equal(t, "edge-1", res.DeploymentID)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "p1", gotProject)
	assert.Positive(t, bodyLen)
}

func TestEdgeBackendErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"worker quota exceeded"}`))
	}))
	defer srv.Close()
	_, err := NewEdgeBackend(srv.URL, "", srv.Client()).Deploy(context.Background(), Request{ProjectDir: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker quota exceeded")
}

type fakeImages struct {
	tag string
	err error
}

func (f *fakeImages) BuildImage(_ context.Context, _ string, tag string, _ func(string)) error {
	f.tag = tag
	return f.err
}

type fakeLauncher struct{ got Launch }

func (f *fakeLauncher) Launch(_ context.Context, l Launch) (string, error) {
	f.got = l
	return "http://127.0.0.1:49153", nil
}

func TestNodeBackendBuildsAndLaunches(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"name":"api","scripts":{"build":"next build"},"dependencies":{"next":"14.0.0"}}`)
	images := &fakeImages{}
	launcher := &fakeLauncher{}
	b := NewNodeBackend(images, launcher, "registry.local/", "")

	res, err := b.Deploy(context.Background(), Request{
		ProjectID:      "Proj",
		VersionID:      "V1",
		DeploymentID:   "dep-1",
		ProjectDir:     dir,
		Framework:      framework.Next,
		PackageManager: domain.PackageManagerPNPM,
		BuildCommand:   "pnpm run build",
	})
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:49153", res.URL)
	assert.Equal(t, "registry.local/proj:v1", images.tag)
	assert.Equal(t, []string{"npx", "next", "start", "-p", "3000"}, launcher.got.Command)

	dockerfile, err := os.ReadFile(filepath.Join(dir, "Dockerfile"))
	require.NoError(t, err)
	assert.Contains(t, string(dockerfile), "FROM node:20-bullseye")
	assert.Contains(t, string(dockerfile), "pnpm install --frozen-lockfile")
	assert.Contains(t, string(dockerfile), "RUN pnpm run build")
	assert.Contains(t, string(dockerfile), "NEXT_TELEMETRY_DISABLED")
	assert.FileExists(t, filepath.Join(dir, ".dockerignore"))
}

func TestNodeBackendKeepsProjectDockerfile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Dockerfile", "FROM custom\n")
	writeFile(t, dir, "package.json", `{"scripts":{"start":"node server.js"}}`)
	launcher := &fakeLauncher{}
	_, err := NewNodeBackend(&fakeImages{}, launcher, "", "").Deploy(context.Background(), Request{ProjectID: "p", VersionID: "v", ProjectDir: dir})
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, "Dockerfile"))
	require.NoError(t, err)
	assert.Equal(t, "FROM custom\n", string(data))
	assert.Equal(t, []string{"npm", "run", "start"}, launcher.got.Command)
}

func TestNodeBackendImageFailure(t *testing.T) {
	dir := t.TempDir()
	_, err := NewNodeBackend(&fakeImages{err: errors.New("no space left")}, &fakeLauncher{}, "", "").Deploy(context.Background(), Request{ProjectID: "p", VersionID: "v", ProjectDir: dir})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no space left")
}
