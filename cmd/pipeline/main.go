package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/splax/localvercel/pipeline/pkg/config"
	"github.com/splax/localvercel/pipeline/pkg/logger"
)

const (
	serverShutdownTimeout = 10 * time.Second
	drainTimeout          = 2 * time.Minute
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.LoadPipelineConfig()
	log := logger.New("pipeline", logger.ParseLevel(cfg.LogLevel))
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("pipeline exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.PipelineConfig, log *slog.Logger) error {
	app, err := wire(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.close(log)

	app.pool.Start(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errorCh := make(chan error, 1)
	go func() {
		log.Info("pipeline server starting", "addr", cfg.Addr, "queue", cfg.QueueBackend, "storage", cfg.StorageBackend)
		errorCh <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	defer cancelDrain()
	if err := app.pool.Shutdown(drainCtx); err != nil {
		log.Warn("worker pool did not drain", "error", err)
	}
	log.Info("pipeline stopped")
	return serveErr
}
