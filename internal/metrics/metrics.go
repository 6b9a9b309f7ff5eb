// Package metrics holds the Prometheus collectors of the pipeline worker.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	stageBuckets = []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1200}
	httpBuckets  = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}
)

// Metrics groups pipeline and queue collectors.
type Metrics struct {
	stageDuration   *prometheus.HistogramVec
	jobs            *prometheus.CounterVec
	installStrategy *prometheus.CounterVec
	buildCache      *prometheus.CounterVec
	queueOps        *prometheus.CounterVec
	deadLetters     *prometheus.GaugeVec
	inflight        prometheus.Gauge
	httpRequests    *prometheus.HistogramVec
	rateLimited     *prometheus.CounterVec
	streams         *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. Collectors that
// are already registered are reused, so New may be called more than once
// against the same registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages",
			Buckets:   stageBuckets,
		}, []string{"stage"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "jobs_total",
			Help:      "Terminal job outcomes by failing stage",
		}, []string{"outcome", "stage"}),
		installStrategy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "install_strategy_total",
			Help:      "Install strategies that succeeded",
		}, []string{"strategy"}),
		buildCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "build_cache_total",
			Help:      "Build cache lookups by result",
		}, []string{"result"}),
		queueOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "queue",
			Name:      "operations_total",
			Help:      "Queue operations by backend and kind",
		}, []string{"backend", "op", "reason"}),
		deadLetters: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "queue",
			Name:      "dead_letter_count",
			Help:      "Jobs parked in the dead-letter list",
		}, []string{"backend"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pipeline",
			Name:      "jobs_inflight",
			Help:      "Jobs currently being processed by this worker",
		}),
		httpRequests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pipeline",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency of API requests by route and status",
			Buckets:   httpBuckets,
		}, []string{"method", "route", "status"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeline",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter",
		}, []string{"route"}),
		streams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pipeline",
			Subsystem: "http",
			Name:      "event_streams",
			Help:      "Open progress event streams by transport",
		}, []string{"transport"}),
	}
	m.stageDuration = register(reg, m.stageDuration)
	m.jobs = register(reg, m.jobs)
	m.installStrategy = register(reg, m.installStrategy)
	m.buildCache = register(reg, m.buildCache)
	m.queueOps = register(reg, m.queueOps)
	m.deadLetters = register(reg, m.deadLetters)
	m.inflight = register(reg, m.inflight)
	m.httpRequests = register(reg, m.httpRequests)
	m.rateLimited = register(reg, m.rateLimited)
	m.streams = register(reg, m.streams)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

// ObserveStage records how long a stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// JobFinished counts a terminal outcome. stage is empty on success.
func (m *Metrics) JobFinished(outcome, stage string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(outcome, stage).Inc()
}

// InstallStrategy counts the strategy an install settled on.
func (m *Metrics) InstallStrategy(tag string) {
	if m == nil {
		return
	}
	m.installStrategy.WithLabelValues(tag).Inc()
}

// BuildCache counts a cache lookup result: hit, miss or bypass.
func (m *Metrics) BuildCache(result string) {
	if m == nil {
		return
	}
	m.buildCache.WithLabelValues(result).Inc()
}

// QueueOp counts a queue operation.
func (m *Metrics) QueueOp(backend, op, reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.queueOps.WithLabelValues(backend, op, reason).Add(float64(n))
}

// DeadLetters sets the dead-letter gauge.
func (m *Metrics) DeadLetters(backend string, n int64) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(backend).Set(float64(n))
}

// Inflight adjusts the in-flight job gauge.
func (m *Metrics) Inflight(delta int) {
	if m == nil {
		return
	}
	m.inflight.Add(float64(delta))
}

// HTTPRequest observes a served API request. The histogram count doubles as
// the request counter.
func (m *Metrics) HTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

// RateLimited counts a rejected request.
func (m *Metrics) RateLimited(route string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(route).Inc()
}

// Stream adjusts the open stream gauge for transport: websocket or sse.
func (m *Metrics) Stream(transport string, delta int) {
	if m == nil {
		return
	}
	m.streams.WithLabelValues(transport).Add(float64(delta))
}
