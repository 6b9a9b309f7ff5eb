// Package httpx exposes the internal HTTP surface of the pipeline worker:
// job submission, rollbacks, version listings and progress streams.
package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/localvercel/pipeline/internal/artifact"
	"github.com/splax/localvercel/pipeline/internal/domain"
	"github.com/splax/localvercel/pipeline/internal/metrics"
	"github.com/splax/localvercel/pipeline/internal/pipeline"
	"github.com/splax/localvercel/pipeline/internal/ws"
	"github.com/splax/localvercel/pipeline/pkg/jwt"
)

// JobQueue accepts deploy jobs.
type JobQueue interface {
	Enqueue(ctx context.Context, job domain.DeployJob) error
}

// Deployments runs operations that act on a project's published versions.
type Deployments interface {
	Rollback(ctx context.Context, req domain.RollbackRequest) (domain.Deployed, error)
	Drift(ctx context.Context, projectID, projectPath string) (artifact.Drift, error)
}

// VersionLister lists version records of a project.
type VersionLister interface {
	ListVersions(ctx context.Context, projectID string, limit int) ([]domain.Version, error)
}

// RunReader looks up job runs by build id.
type RunReader interface {
	GetRun(ctx context.Context, buildID string) (*domain.JobRun, error)
}

// Options wires the router to its services. Hub, Limiter, Metrics and
// Health are optional.
type Options struct {
	Logger      *slog.Logger
	Queue       JobQueue
	Deployments Deployments
	Versions    VersionLister
	Runs        RunReader
	Hub         *ws.Hub
	Limiter     RateLimiter
	Metrics     *metrics.Metrics
	JWTSecret   string
	// Health checks keyed by component name.
	Health map[string]func(context.Context) error
}

// Router exposes HTTP endpoints for the pipeline worker.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	queue       JobQueue
	deployments Deployments
	versions    VersionLister
	runs        RunReader
	hub         *ws.Hub
	limiter     RateLimiter
	metrics     *metrics.Metrics
	jwtSecret   string
	health      map[string]func(context.Context) error
	upgrader    websocket.Upgrader
	// ctx ends open websocket streams on Close.
	ctx    context.Context
	cancel context.CancelFunc
}

var (
	quotaEnqueue  = Quota{Limit: 120, Window: time.Minute}
	quotaRollback = Quota{Limit: 10, Window: time.Minute}
	quotaRead     = Quota{Limit: 240, Window: time.Minute}
	quotaStream   = Quota{Limit: 30, Window: time.Minute}
)

const (
	healthCheckTimeout  = 2 * time.Second
	streamHeartbeat     = 15 * time.Second
	defaultVersionLimit = 20
	maxVersionLimit     = 100
	maxJobBodyBytes     = 64 << 10
)

// New creates a router and registers handlers.
func New(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Router{
		mux:         http.NewServeMux(),
		logger:      logger,
		queue:       opts.Queue,
		deployments: opts.Deployments,
		versions:    opts.Versions,
		runs:        opts.Runs,
		hub:         opts.Hub,
		limiter:     opts.Limiter,
		metrics:     opts.Metrics,
		jwtSecret:   opts.JWTSecret,
		health:      opts.Health,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.register()
	return r
}

// ServeHTTP satisfies http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	r.cancel()
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.Handle("GET /metrics", promhttp.Handler())
	r.mux.HandleFunc("GET /healthz", r.observe("/healthz", r.handleHealthz))
	r.handle("POST /jobs", "/jobs", jwt.ScopeJobsWrite, quotaEnqueue, byCaller, r.handleEnqueue)
	r.handle("GET /jobs/{buildId}", "/jobs/:id", jwt.ScopeJobsRead, quotaRead, byCaller, r.handleJob)
	r.handle("GET /jobs/{buildId}/events", "/jobs/:id/events", jwt.ScopeJobsRead, quotaStream, byCaller, r.handleEvents)
	r.handle("POST /projects/{projectId}/rollback", "/projects/:id/rollback", jwt.ScopeProjectsWrite, quotaRollback, byProject, r.handleRollback)
	r.handle("GET /projects/{projectId}/versions", "/projects/:id/versions", jwt.ScopeProjectsRead, quotaRead, byCaller, r.handleVersions)
	r.handle("GET /projects/{projectId}/drift", "/projects/:id/drift", jwt.ScopeProjectsRead, quotaRead, byCaller, r.handleDrift)
}

// handle registers an authenticated, rate limited and observed route.
func (r *Router) handle(pattern, route, scope string, q Quota, key rateKeyFunc, next http.HandlerFunc) {
	r.mux.HandleFunc(pattern, r.observe(route, r.requireAuth(scope, r.withRateLimit(route, q, key, next))))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	components := make(map[string]any, len(r.health))
	status := "ok"
	for name, check := range r.health {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
			continue
		}
		components[name] = map[string]any{"status": "up"}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) handleEnqueue(w http.ResponseWriter, req *http.Request) {
	var job domain.DeployJob
	if err := json.NewDecoder(io.LimitReader(req.Body, maxJobBodyBytes)).Decode(&job); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := job.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := r.queue.Enqueue(req.Context(), job); err != nil {
		r.logger.Error("enqueue job failed", "build_id", job.BuildID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "job queue unavailable")
		return
	}
	r.logger.Info("job enqueued", "build_id", job.BuildID, "project_id", job.ProjectID, "version_id", job.VersionID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "queued",
		"buildId": job.BuildID,
	})
}

func (r *Router) handleJob(w http.ResponseWriter, req *http.Request) {
	run, err := r.runs.GetRun(req.Context(), req.PathValue("buildId"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (r *Router) handleRollback(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		UserID          string `json:"userId"`
		TargetVersionID string `json:"targetVersionId"`
		NewVersionID    string `json:"newVersionId"`
	}
	if err := json.NewDecoder(io.LimitReader(req.Body, maxJobBodyBytes)).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.NewVersionID == "" {
		payload.NewVersionID = uuid.NewString()
	}
	res, err := r.deployments.Rollback(req.Context(), domain.RollbackRequest{
		UserID:          payload.UserID,
		ProjectID:       req.PathValue("projectId"),
		TargetVersionID: payload.TargetVersionID,
		NewVersionID:    payload.NewVersionID,
	})
	if err != nil {
		var stageErr *pipeline.StageError
		if errors.As(err, &stageErr) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":   stageErr.Error(),
				"stage":   stageErr.Stage,
				"reasons": stageErr.Reasons,
			})
			return
		}
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			r.logger.Error("rollback failed", "project_id", req.PathValue("projectId"), "error", err)
		}
		writeError(w, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (r *Router) handleVersions(w http.ResponseWriter, req *http.Request) {
	limit := defaultVersionLimit
	if raw := req.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxVersionLimit)
	}
	versions, err := r.versions.ListVersions(req.Context(), req.PathValue("projectId"), limit)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if versions == nil {
		versions = []domain.Version{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (r *Router) handleDrift(w http.ResponseWriter, req *http.Request) {
	path := req.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path query parameter required")
		return
	}
	drift, err := r.deployments.Drift(req.Context(), req.PathValue("projectId"), path)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, drift)
}

// handleEvents streams progress events of a build over a websocket, or as
// Server-Sent Events when the client asks for text/event-stream.
func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil {
		writeError(w, http.StatusNotImplemented, "event streaming disabled")
		return
	}
	buildID := req.PathValue("buildId")
	if wantsEventStream(req) {
		r.streamEvents(w, req, buildID)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	socket := ws.NewSocket(conn, r.logger)
	r.hub.Register(buildID, socket)
	r.metrics.Stream("websocket", 1)
	go func() {
		defer func() {
			r.hub.Unregister(buildID, socket)
			r.metrics.Stream("websocket", -1)
		}()
		socket.Serve(r.ctx)
	}()
}

func (r *Router) streamEvents(w http.ResponseWriter, req *http.Request, buildID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	stream, err := ws.NewEventStream(w, flusher, r.logger)
	if err != nil {
		return
	}
	r.hub.Register(buildID, stream)
	r.metrics.Stream("sse", 1)
	defer func() {
		r.hub.Unregister(buildID, stream)
		r.metrics.Stream("sse", -1)
	}()
	stream.Serve(req.Context(), streamHeartbeat)
}

// observe records latency metrics and logs one line per request. route is
// the pattern label so that metric cardinality stays bounded.
func (r *Router) observe(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w}
		next(recorder, req)
		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		r.metrics.HTTPRequest(req.Method, route, status, elapsed)

		fields := []any{
			"method", req.Method,
			"route", route,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", elapsed.Milliseconds(),
			"ip", clientIP(req),
		}
		if id := req.Header.Get("X-Request-ID"); id != "" {
			fields = append(fields, "request_id", id)
		}
		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}
