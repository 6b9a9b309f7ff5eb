package httpx

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Quota bounds the requests one key may make within a fixed window.
type Quota struct {
	Limit  int
	Window time.Duration
}

func (q Quota) normalized() Quota {
	if q.Window <= 0 {
		q.Window = time.Minute
	}
	return q
}

// Decision is the outcome of a single rate limit check.
type Decision struct {
	Allowed bool
	// Used counts requests in the current window, this one included.
	Used  int
	Reset time.Time
}

// RateLimiter counts requests per key.
type RateLimiter interface {
	Allow(ctx context.Context, key string, q Quota) Decision
	Close()
}

// rateKeyFunc selects the bucket a request is counted against.
type rateKeyFunc func(*http.Request) string

// byCaller buckets requests per authenticated subject.
func byCaller(req *http.Request) string {
	if info, ok := authInfoFromContext(req.Context()); ok && info.Subject != "" {
		return "svc:" + info.Subject
	}
	return "ip:" + clientIP(req)
}

// byProject buckets requests per target project regardless of caller.
func byProject(req *http.Request) string {
	if id := req.PathValue("projectId"); id != "" {
		return "project:" + id
	}
	return byCaller(req)
}

func (r *Router) withRateLimit(route string, q Quota, key rateKeyFunc, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if q.Limit <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		d := r.limiter.Allow(req.Context(), route+"|"+key(req), q)
		setRateHeaders(w.Header(), q, d)
		if !d.Allowed {
			r.metrics.RateLimited(route)
			if !d.Reset.IsZero() {
				secs := int(time.Until(d.Reset).Round(time.Second).Seconds())
				w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
			}
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

func setRateHeaders(h http.Header, q Quota, d Decision) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(q.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(max(q.Limit-d.Used, 0)))
	if !d.Reset.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	}
}

func clientIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	if host == "" {
		return "unknown"
	}
	return host
}

const windowSweepInterval = 5 * time.Minute

type window struct {
	used  int
	reset time.Time
}

// memoryRateLimiter keeps fixed windows in process memory. It serves local
// mode and single-replica deployments.
type memoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]window
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// NewMemoryRateLimiter returns a process-local limiter. Expired windows are
// swept in the background until Close.
func NewMemoryRateLimiter() RateLimiter {
	rl := &memoryRateLimiter{
		windows: make(map[string]window),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go func() {
		ticker := time.NewTicker(windowSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.sweep(rl.now())
			case <-rl.stop:
				return
			}
		}
	}()
	return rl
}

func (rl *memoryRateLimiter) Allow(_ context.Context, key string, q Quota) Decision {
	if q.Limit <= 0 {
		return Decision{Allowed: true}
	}
	q = q.normalized()
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	w, ok := rl.windows[key]
	if !ok || !now.Before(w.reset) {
		w = window{reset: now.Add(q.Window)}
	}
	if w.used >= q.Limit {
		return Decision{Used: w.used, Reset: w.reset}
	}
	w.used++
	rl.windows[key] = w
	return Decision{Allowed: true, Used: w.used, Reset: w.reset}
}

func (rl *memoryRateLimiter) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, w := range rl.windows {
		if !now.Before(w.reset) {
			delete(rl.windows, key)
		}
	}
}

func (rl *memoryRateLimiter) Close() {
	rl.once.Do(func() { close(rl.stop) })
}
