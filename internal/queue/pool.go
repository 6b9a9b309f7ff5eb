package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/splax/localvercel/pipeline/internal/domain"
	"github.com/splax/localvercel/pipeline/internal/metrics"
)

// Handler processes one job. Returning an error wrapped with Retryable nacks
// the job; an error matching domain.ErrConflict delays it; any other outcome
// acks it.
type Handler func(ctx context.Context, job domain.DeployJob) error

// PoolConfig tunes a Pool.
type PoolConfig struct {
	Consumer      string
	Concurrency   int
	JobTimeout    time.Duration
	PollInterval  time.Duration
	Visibility    time.Duration
	ConflictDelay time.Duration
	ReapInterval  time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Consumer == "" {
		c.Consumer = "pipeline"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 20 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Visibility <= 0 {
		c.Visibility = defaultVisibility
	}
	if c.ConflictDelay <= 0 {
		c.ConflictDelay = 15 * time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 30 * time.Second
	}
	return c
}

// Pool runs a fixed number of workers that claim jobs from a Queue.
type Pool struct {
	queue   Queue
	handler Handler
	cfg     PoolConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	stopOnce   sync.Once
	stop       chan struct{}
	done       chan struct{}
	cancelJobs context.CancelFunc
	err        error
}

// NewPool constructs a Pool. logger and m may be nil.
func NewPool(q Queue, handler Handler, cfg PoolConfig, logger *slog.Logger, m *metrics.Metrics) *Pool {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pool{
		queue:   q,
		handler: handler,
		cfg:     cfg.withDefaults(),
		logger:  logger.With("consumer", cfg.Consumer),
		metrics: m,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the workers and the expired-claim reaper. Cancelling ctx
// stops claiming; jobs already running continue until Shutdown gives up
// on them.
func (p *Pool) Start(ctx context.Context) {
	jobBase, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancelJobs = cancel

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		worker := fmt.Sprintf("%s-%d", p.cfg.Consumer, i)
		g.Go(func() error {
			p.work(gctx, jobBase, worker)
			return nil
		})
	}
	g.Go(func() error {
		p.reap(gctx)
		return nil
	})
	go func() {
		p.err = g.Wait()
		close(p.done)
	}()
	p.logger.Info("worker pool started", "concurrency", p.cfg.Concurrency, "job_timeout", p.cfg.JobTimeout)
}

// Shutdown stops claiming and waits for in-flight jobs. When ctx expires
// first, running jobs are cancelled and nacked back to the queue.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stop) })
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		p.logger.Warn("shutdown deadline reached, cancelling running jobs")
		if p.cancelJobs != nil {
			p.cancelJobs()
		}
		<-p.done
		return ctx.Err()
	}
}

func (p *Pool) stopping(ctx context.Context) bool {
	select {
	case <-p.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (p *Pool) work(ctx, jobBase context.Context, worker string) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for !p.stopping(ctx) {
		claim, err := p.queue.Claim(ctx, worker, p.cfg.Visibility)
		if err != nil {
			if !p.stopping(ctx) {
				p.logger.Error("claim failed", "worker", worker, "error", err)
			}
		}
		if claim != nil {
			p.handle(jobBase, *claim)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
		}
	}
}

func (p *Pool) reap(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			moved, err := p.queue.RequeueExpired(ctx, time.Now().UTC(), 100)
			if err != nil {
				p.logger.Error("requeue expired claims failed", "error", err)
				continue
			}
			if moved > 0 {
				p.logger.Warn("requeued expired claims", "count", moved)
			}
		}
	}
}

func (p *Pool) handle(jobBase context.Context, c Claim) {
	log := p.logger.With("build_id", c.Job.BuildID, "project_id", c.Job.ProjectID, "worker", c.ClaimedBy)
	p.metrics.Inflight(1)
	defer p.metrics.Inflight(-1)

	jobCtx, cancel := context.WithTimeout(jobBase, p.cfg.JobTimeout)
	err := p.invoke(jobCtx, c.Job)
	cancel()

	settleCtx, settleCancel := context.WithTimeout(context.WithoutCancel(jobBase), 5*time.Second)
	defer settleCancel()

	switch {
	case err == nil:
		if ackErr := p.queue.Ack(settleCtx, c); ackErr != nil {
			log.Error("ack failed", "error", ackErr)
		}
	case errors.Is(err, domain.ErrConflict):
		log.Info("project busy, job delayed", "retry_after", p.cfg.ConflictDelay)
		if nackErr := p.queue.Nack(settleCtx, c, ReasonConflict, p.cfg.ConflictDelay); nackErr != nil {
			log.Error("nack failed", "error", nackErr)
		}
	case jobBase.Err() != nil:
		log.Warn("job interrupted by shutdown", "error", err)
		if nackErr := p.queue.Nack(settleCtx, c, ReasonShutdown, 0); nackErr != nil {
			log.Error("nack failed", "error", nackErr)
		}
	case IsRetryable(err):
		log.Warn("job failed, will retry", "error", err)
		if nackErr := p.queue.Nack(settleCtx, c, ReasonError, 0); nackErr != nil {
			log.Error("nack failed", "error", nackErr)
		}
	default:
		log.Error("job failed", "error", err)
		if ackErr := p.queue.Ack(settleCtx, c); ackErr != nil {
			log.Error("ack failed", "error", ackErr)
		}
	}
}

func (p *Pool) invoke(ctx context.Context, job domain.DeployJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job handler panicked", "build_id", job.BuildID, "panic", r, "stack", string(debug.Stack()))
			err = Retryable(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return p.handler(ctx, job)
}
