package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New(reg)
	b := New(reg)
	a.JobFinished("deployed", "")
	b.JobFinished("deployed", "")
	assert.Equal(t, float64(2), testutil.ToFloat64(a.jobs.WithLabelValues("deployed", "")))
}

func TestRecorders(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveStage("build", 3*time.Second)
	m.InstallStrategy("npm:install")
	m.BuildCache("hit")
	m.QueueOp("memory", "claim", "", 2)
	m.DeadLetters("memory", 4)
	m.Inflight(1)
	m.HTTPRequest("POST", "/jobs", 202, 20*time.Millisecond)
	m.RateLimited("/jobs")
	m.Stream("sse", 1)
	m.Stream("sse", 1)
	m.Stream("sse", -1)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.installStrategy.WithLabelValues("npm:install")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.queueOps.WithLabelValues("memory", "claim", "")))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.deadLetters.WithLabelValues("memory")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.inflight))
	assert.Equal(t, 1, testutil.CollectAndCount(m.httpRequests))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.rateLimited.WithLabelValues("/jobs")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.streams.WithLabelValues("sse")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveStage("build", time.Second)
	m.JobFinished("failed", "build")
	m.QueueOp("redis", "ack", "", 1)
	m.HTTPRequest("GET", "/healthz", 200, time.Millisecond)
	m.Stream("websocket", 1)
}
