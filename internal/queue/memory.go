package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/splax/localvercel/pipeline/internal/domain"
	"github.com/splax/localvercel/pipeline/internal/metrics"
)

const memoryBackend = "memory"

type delayedJob struct {
	job     domain.DeployJob
	readyAt time.Time
}

// MemoryQueue is an in-process Queue for local mode and tests.
type MemoryQueue struct {
	mu       sync.Mutex
	items    []domain.DeployJob
	inflight map[string]Claim
	delayed  []delayedJob
	nacks    map[string]int
	dead     []domain.DeployJob
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewMemoryQueue constructs an empty MemoryQueue. m may be nil.
func NewMemoryQueue(m *metrics.Metrics) *MemoryQueue {
	return &MemoryQueue{
		inflight: make(map[string]Claim),
		nacks:    make(map[string]int),
		metrics:  m,
		now:      time.Now,
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job domain.DeployJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, job)
	q.metrics.QueueOp(memoryBackend, "enqueue", "", 1)
	return nil
}

func (q *MemoryQueue) Claim(_ context.Context, consumer string, visibility time.Duration) (*Claim, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if visibility <= 0 {
		visibility = defaultVisibility
	}
	now := q.now().UTC()
	q.releaseDueLocked(now)
	if len(q.items) == 0 {
		return nil, nil
	}
	job := q.items[0]
	q.items = q.items[1:]
	c := Claim{
		Job:       job,
		Receipt:   uuid.NewString(),
		ClaimedBy: consumer,
		ClaimedAt: now,
		VisibleAt: now.Add(visibility),
	}
	q.inflight[c.Receipt] = c
	q.metrics.QueueOp(memoryBackend, "claim", "", 1)
	return &c, nil
}

func (q *MemoryQueue) Ack(_ context.Context, c Claim) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[c.Receipt]; !ok {
		return nil
	}
	delete(q.inflight, c.Receipt)
	delete(q.nacks, c.Job.BuildID)
	q.metrics.QueueOp(memoryBackend, "ack", "", 1)
	return nil
}

func (q *MemoryQueue) Nack(_ context.Context, c Claim, reason Reason, retryAfter time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	inflight, ok := q.inflight[c.Receipt]
	if !ok {
		return nil
	}
	delete(q.inflight, c.Receipt)
	q.metrics.QueueOp(memoryBackend, "nack", string(reason), 1)
	job := inflight.Job
	if reason == ReasonError {
		q.nacks[job.BuildID]++
		if q.nacks[job.BuildID] >= DeadLetterMax {
			delete(q.nacks, job.BuildID)
			q.dead = append(q.dead, job)
			q.metrics.DeadLetters(memoryBackend, int64(len(q.dead)))
			return nil
		}
	}
	if retryAfter > 0 {
		q.delayed = append(q.delayed, delayedJob{job: job, readyAt: q.now().Add(retryAfter)})
		return nil
	}
	q.items = append(q.items, job)
	return nil
}

func (q *MemoryQueue) RequeueExpired(_ context.Context, now time.Time, max int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.releaseDueLocked(now)
	moved := 0
	for receipt, c := range q.inflight {
		if max > 0 && moved >= max {
			break
		}
		if c.VisibleAt.After(now) {
			continue
		}
		q.items = append(q.items, c.Job)
		delete(q.inflight, receipt)
		moved++
	}
	q.metrics.QueueOp(memoryBackend, "requeue_expired", "", moved)
	return moved, nil
}

func (q *MemoryQueue) releaseDueLocked(now time.Time) {
	kept := q.delayed[:0]
	for _, d := range q.delayed {
		if d.readyAt.After(now) {
			kept = append(kept, d)
			continue
		}
		q.items = append(q.items, d.job)
	}
	q.delayed = kept
}

func (q *MemoryQueue) DeadLetters(_ context.Context, limit int) ([]domain.DeployJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 || limit > len(q.dead) {
		limit = len(q.dead)
	}
	out := make([]domain.DeployJob, limit)
	copy(out, q.dead[:limit])
	return out, nil
}

func (q *MemoryQueue) Depth(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items) + len(q.delayed)), nil
}
