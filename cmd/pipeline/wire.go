package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"

	"github.com/splax/localvercel/pipeline/internal/app/migrate"
	"github.com/splax/localvercel/pipeline/internal/artifact"
	"github.com/splax/localvercel/pipeline/internal/buildcache"
	"github.com/splax/localvercel/pipeline/internal/deployer"
	"github.com/splax/localvercel/pipeline/internal/docker"
	httpx "github.com/splax/localvercel/pipeline/internal/http"
	"github.com/splax/localvercel/pipeline/internal/latest"
	"github.com/splax/localvercel/pipeline/internal/lock"
	"github.com/splax/localvercel/pipeline/internal/metrics"
	"github.com/splax/localvercel/pipeline/internal/observability"
	"github.com/splax/localvercel/pipeline/internal/pipeline"
	"github.com/splax/localvercel/pipeline/internal/pkgmanager"
	"github.com/splax/localvercel/pipeline/internal/queue"
	"github.com/splax/localvercel/pipeline/internal/recovery"
	"github.com/splax/localvercel/pipeline/internal/redisclient"
	"github.com/splax/localvercel/pipeline/internal/repository"
	"github.com/splax/localvercel/pipeline/internal/repository/memory"
	"github.com/splax/localvercel/pipeline/internal/repository/postgres"
	"github.com/splax/localvercel/pipeline/internal/runner"
	"github.com/splax/localvercel/pipeline/internal/runtime/kubernetes"
	"github.com/splax/localvercel/pipeline/internal/storage"
	"github.com/splax/localvercel/pipeline/internal/storage/stores"
	"github.com/splax/localvercel/pipeline/internal/target"
	"github.com/splax/localvercel/pipeline/internal/validate"
	"github.com/splax/localvercel/pipeline/internal/workspace"
	"github.com/splax/localvercel/pipeline/internal/ws"
	"github.com/splax/localvercel/pipeline/pkg/config"
	"github.com/splax/localvercel/pipeline/pkg/telemetry"
)

type application struct {
	router  *httpx.Router
	pool    *queue.Pool
	closers []func() error
}

func (a *application) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *application) close(log *slog.Logger) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn("close failed", "error", err)
		}
	}
}

type repositories interface {
	repository.VersionStore
	repository.RunStore
}

// wire builds every component from cfg. On error, resources opened so far
// are released.
func wire(ctx context.Context, cfg config.PipelineConfig, log *slog.Logger) (app *application, err error) {
	app = &application{}
	defer func() {
		if err != nil {
			app.close(log)
			app = nil
		}
	}()
	health := make(map[string]func(context.Context) error)

	tp, shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Service:     "pipeline",
		Environment: cfg.Environment,
		Exporter:    cfg.OTelExporter,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	app.onClose(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownTracing(shutdownCtx)
	})
	m := metrics.New(prometheus.DefaultRegisterer)

	local := cfg.QueueBackend == "memory"
	var rdb *redis.Client
	if !local {
		rdb, err = redisclient.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		app.onClose(rdb.Close)
		health["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	var repo repositories
	if cfg.DatabaseURL == "" || local {
		log.Warn("using in-memory version store; versions are lost on restart")
		repo = memory.New()
	} else {
		migrations, err := migrate.New(cfg.DatabaseURL, log)
		if err != nil {
			return nil, fmt.Errorf("configure migrations: %w", err)
		}
		if err := migrations.Ensure(ctx); err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		app.onClose(func() error { pool.Close(); return nil })
		health["database"] = pool.Ping
		repo = postgres.New(pool)
	}

	var (
		q       queue.Queue
		locker  lock.Locker
		pointer latest.Pointer = latest.Noop{}
		limiter httpx.RateLimiter
	)
	if local {
		q = queue.NewMemoryQueue(m)
		locker = lock.NewMemoryLocker()
		limiter = httpx.NewMemoryRateLimiter()
	} else {
		q = queue.NewRedisQueue(rdb, queue.RedisConfig{}, m)
		locker = lock.NewRedisLocker(rdb, "")
		pointer = latest.NewRedisPointer(rdb, "", 0)
		limiter = httpx.NewRedisRateLimiter(rdb, log)
	}

	store, err := stores.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		app.onClose(closer.Close)
	}

	workspaces, err := workspace.New(cfg.Workdir)
	if err != nil {
		return nil, fmt.Errorf("init workspace: %w", err)
	}
	cache, err := buildcache.Open(buildcache.Config{Root: cfg.CacheDir, Logger: log})
	if err != nil {
		return nil, fmt.Errorf("open build cache: %w", err)
	}
	app.onClose(cache.Close)

	exec := runner.New(log)
	installOpts := []pkgmanager.InstallerOption{
		pkgmanager.WithTimeout(cfg.InstallTimeout),
		pkgmanager.WithDetector(pkgmanager.NewDetector(3, 200*time.Millisecond)),
	}
	if cfg.VerifyRegistry {
		installOpts = append(installOpts, pkgmanager.WithVerifier(pkgmanager.NewRegistryVerifier(cfg.NPMRegistryURL, nil)))
	}

	backends, err := deployBackends(ctx, cfg, store, log, app, health)
	if err != nil {
		return nil, err
	}

	hub := ws.NewHub(ctx)
	app.onClose(func() error { hub.Stop(); return nil })
	events := telemetry.MultiEmitter{telemetry.NewHubEmitter(hub), telemetry.NewLogEmitter(log)}
	if cfg.EventsURL != "" {
		emitter, err := telemetry.NewHTTPEmitter(cfg.EventsURL, cfg.EventsToken, nil)
		if err != nil {
			return nil, fmt.Errorf("configure events callback: %w", err)
		}
		events = append(events, emitter)
	}
	var reporter recovery.Reporter = recovery.NewLogReporter(log)
	if cfg.RecoveryURL != "" {
		reporter, err = recovery.NewHTTPReporter(cfg.RecoveryURL, cfg.RecoveryToken, nil)
		if err != nil {
			return nil, fmt.Errorf("configure recovery reporter: %w", err)
		}
	}

	proc, err := pipeline.New(pipeline.Deps{
		Installer: pkgmanager.NewInstaller(exec, log, installOpts...),
		Validator: validate.New(exec, log),
		Builder:   buildcache.NewBuilder(cache, exec, log),
		Detector:  target.NewDetector(log),
		Deployer:  deployer.New(log, backends...),
		Packager: artifact.NewPackager(store, log,
			artifact.WithLimits(cfg.ArtifactMaxSize, cfg.ArtifactWarn),
			artifact.WithTempDir(workspaces.Root()),
			artifact.WithUploadRetry(3, time.Second),
		),
		Store:     store,
		Locker:    locker,
		Versions:  repo,
		Runs:      repo,
		Latest:    pointer,
		Reporter:  reporter,
		Events:    events,
		Workspace: workspaces,
		Metrics:   m,
		Tracer:    tp.Tracer(observability.TracerName),
		Logger:    log,
	}, pipeline.Config{
		LockTTL:           cfg.LockTTL,
		ValidateTimeout:   cfg.ValidateTimeout,
		BuildTimeout:      cfg.BuildTimeout,
		DeployTimeout:     cfg.DeployTimeout,
		SideEffectTimeout: cfg.SideEffectWait,
	})
	if err != nil {
		return nil, err
	}

	host, _ := os.Hostname()
	app.pool = queue.NewPool(q, proc.Handle, queue.PoolConfig{
		Consumer:     fmt.Sprintf("%s-%d", host, os.Getpid()),
		Concurrency:  cfg.Concurrency,
		JobTimeout:   cfg.JobTimeout,
		PollInterval: cfg.QueuePoll,
		Visibility:   cfg.QueueVisibility,
	}, log, m)

	app.router = httpx.New(httpx.Options{
		Logger:      log,
		Queue:       q,
		Deployments: proc,
		Versions:    repo,
		Runs:        repo,
		Hub:         hub,
		Limiter:     limiter,
		Metrics:     m,
		JWTSecret:   cfg.JWTSecret,
		Health:      health,
	})
	app.onClose(func() error { app.router.Close(); return nil })
	return app, nil
}

// deployBackends returns the lanes this worker can serve. The static lane is
// always available; the node lane needs Docker to build images.
func deployBackends(ctx context.Context, cfg config.PipelineConfig, store storage.Client, log *slog.Logger, app *application, health map[string]func(context.Context) error) ([]deployer.Backend, error) {
	backends := []deployer.Backend{deployer.NewStaticBackend(store, cfg.StaticPublicURL)}
	if cfg.EdgeDeployURL != "" {
		backends = append(backends, deployer.NewEdgeBackend(cfg.EdgeDeployURL, cfg.EdgeDeployToken, nil))
	}
	if cfg.NodeRuntimeBackend == "none" {
		return backends, nil
	}

	dockerClient, err := docker.New(cfg.DockerHost, cfg.DockerPublishHost)
	if err != nil {
		return nil, err
	}
	app.onClose(dockerClient.Close)
	if err := dockerClient.Ping(ctx); err != nil {
		log.Warn("docker unavailable, node lane disabled", "error", err)
		return backends, nil
	}
	health["docker"] = dockerClient.Ping

	var launcher deployer.Launcher = deployer.NewDockerLauncher(dockerClient)
	if cfg.NodeRuntimeBackend == "kubernetes" {
		manager, err := kubernetes.NewFromEnvironment(kubernetes.Config{
			Namespace:     cfg.KubeNamespace,
			ServiceDomain: cfg.KubeServiceDomain,
			ReadyTimeout:  cfg.DeployTimeout,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("configure kubernetes runtime: %w", err)
		}
		launcher = deployer.NewKubernetesLauncher(manager, cfg.DeployTimeout)
	}
	return append(backends, deployer.NewNodeBackend(dockerClient, launcher, cfg.NodeImageRegistry, cfg.NodeBaseImage)), nil
}
