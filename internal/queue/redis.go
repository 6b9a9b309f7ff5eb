package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/splax/localvercel/pipeline/internal/domain"
	"github.com/splax/localvercel/pipeline/internal/metrics"
)

const redisBackend = "redis"

// KEYS: pending, claims, visibility, delayed
// ARGV: now ms, visible-at ms, receipt
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[4], '-inf', ARGV[1])
for _, raw in ipairs(due) do
  redis.call('ZREM', KEYS[4], raw)
  redis.call('LPUSH', KEYS[1], raw)
end
local raw = redis.call('RPOP', KEYS[1])
if not raw then
  return false
end
redis.call('HSET', KEYS[2], ARGV[3], raw)
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[3])
return raw
`)

// KEYS: claims, visibility, nack
// ARGV: receipt, build id
var ackScript = redis.NewScript(`
if redis.call('HDEL', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[2])
return 1
`)

// KEYS: claims, visibility, nack, pending, dead, delayed
// ARGV: receipt, reason, build id, dead-letter max, ready-at ms (0 = now)
// Returns 0 for an unknown receipt, 1 when requeued, 2 when dead-lettered.
var nackScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then
  return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
if ARGV[2] == 'error' then
  local n = redis.call('HINCRBY', KEYS[3], ARGV[3], 1)
  if n >= tonumber(ARGV[4]) then
    redis.call('HDEL', KEYS[3], ARGV[3])
    redis.call('LPUSH', KEYS[5], raw)
    return 2
  end
end
if tonumber(ARGV[5]) > 0 then
  redis.call('ZADD', KEYS[6], ARGV[5], raw)
else
  redis.call('LPUSH', KEYS[4], raw)
end
return 1
`)

// KEYS: visibility, claims, pending, delayed
// ARGV: now ms, max
var requeueScript = redis.NewScript(`
local moved = 0
local receipts = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, receipt in ipairs(receipts) do
  local raw = redis.call('HGET', KEYS[2], receipt)
  if raw then
    redis.call('LPUSH', KEYS[3], raw)
    moved = moved + 1
  end
  redis.call('HDEL', KEYS[2], receipt)
  redis.call('ZREM', KEYS[1], receipt)
end
local due = redis.call('ZRANGEBYSCORE', KEYS[4], '-inf', ARGV[1])
for _, raw in ipairs(due) do
  redis.call('ZREM', KEYS[4], raw)
  redis.call('LPUSH', KEYS[3], raw)
end
return moved
`)

// RedisConfig configures a RedisQueue.
type RedisConfig struct {
	Key           string
	DeadLetterMax int
}

// RedisQueue is a Queue backed by a Redis list, a claims hash, a visibility
// sorted set, a nack counter hash, a delayed sorted set and a dead-letter
// list. Every transition runs as a single Lua script.
type RedisQueue struct {
	client  redis.UniversalClient
	cfg     RedisConfig
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewRedisQueue wraps an existing client. m may be nil.
func NewRedisQueue(client redis.UniversalClient, cfg RedisConfig, m *metrics.Metrics) *RedisQueue {
	if cfg.Key == "" {
		cfg.Key = "peep:pipeline:jobs"
	}
	if cfg.DeadLetterMax <= 0 {
		cfg.DeadLetterMax = DeadLetterMax
	}
	return &RedisQueue{client: client, cfg: cfg, metrics: m, now: time.Now}
}

func (q *RedisQueue) pendingKey() string    { return q.cfg.Key + ":pending" }
func (q *RedisQueue) claimsKey() string     { return q.cfg.Key + ":claims" }
func (q *RedisQueue) visibilityKey() string { return q.cfg.Key + ":visibility" }
func (q *RedisQueue) nackKey() string       { return q.cfg.Key + ":nack" }
func (q *RedisQueue) deadKey() string       { return q.cfg.Key + ":dead" }
func (q *RedisQueue) delayedKey() string    { return q.cfg.Key + ":delayed" }

func (q *RedisQueue) Enqueue(ctx context.Context, job domain.DeployJob) error {
	raw, err := encodeJob(job)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.pendingKey(), raw).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", job.BuildID, err)
	}
	q.metrics.QueueOp(redisBackend, "enqueue", "", 1)
	return nil
}

func (q *RedisQueue) Claim(ctx context.Context, consumer string, visibility time.Duration) (*Claim, error) {
	if visibility <= 0 {
		visibility = defaultVisibility
	}
	now := q.now().UTC()
	visibleAt := now.Add(visibility)
	receipt := consumer + ":" + uuid.NewString()
	raw, err := claimScript.Run(ctx, q.client,
		[]string{q.pendingKey(), q.claimsKey(), q.visibilityKey(), q.delayedKey()},
		now.UnixMilli(), visibleAt.UnixMilli(), receipt,
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	job, err := decodeJob(raw)
	if err != nil {
		// Unreadable payloads would be redelivered forever.
		_ = q.client.LPush(ctx, q.deadKey(), raw).Err()
		_ = q.client.HDel(ctx, q.claimsKey(), receipt).Err()
		_ = q.client.ZRem(ctx, q.visibilityKey(), receipt).Err()
		return nil, err
	}
	q.metrics.QueueOp(redisBackend, "claim", "", 1)
	return &Claim{Job: job, Receipt: receipt, ClaimedBy: consumer, ClaimedAt: now, VisibleAt: visibleAt}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, c Claim) error {
	n, err := ackScript.Run(ctx, q.client,
		[]string{q.claimsKey(), q.visibilityKey(), q.nackKey()},
		c.Receipt, c.Job.BuildID,
	).Int()
	if err != nil {
		return fmt.Errorf("ack %s: %w", c.Job.BuildID, err)
	}
	if n == 1 {
		q.metrics.QueueOp(redisBackend, "ack", "", 1)
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, c Claim, reason Reason, retryAfter time.Duration) error {
	var readyAt int64
	if retryAfter > 0 {
		readyAt = q.now().Add(retryAfter).UnixMilli()
	}
	outcome, err := nackScript.Run(ctx, q.client,
		[]string{q.claimsKey(), q.visibilityKey(), q.nackKey(), q.pendingKey(), q.deadKey(), q.delayedKey()},
		c.Receipt, string(reason), c.Job.BuildID, q.cfg.DeadLetterMax, readyAt,
	).Int()
	if err != nil {
		return fmt.Errorf("nack %s: %w", c.Job.BuildID, err)
	}
	if outcome == 0 {
		return nil
	}
	q.metrics.QueueOp(redisBackend, "nack", string(reason), 1)
	if outcome == 2 {
		return q.refreshDeadGauge(ctx)
	}
	return nil
}

func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, max int) (int, error) {
	if max <= 0 {
		max = 100
	}
	moved, err := requeueScript.Run(ctx, q.client,
		[]string{q.visibilityKey(), q.claimsKey(), q.pendingKey(), q.delayedKey()},
		now.UnixMilli(), max,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("requeue expired: %w", err)
	}
	q.metrics.QueueOp(redisBackend, "requeue_expired", "", moved)
	return moved, nil
}

func (q *RedisQueue) DeadLetters(ctx context.Context, limit int) ([]domain.DeployJob, error) {
	if limit <= 0 {
		limit = 50
	}
	items, err := q.client.LRange(ctx, q.deadKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	out := make([]domain.DeployJob, 0, len(items))
	for _, raw := range items {
		job, err := decodeJob(raw)
		if err != nil {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

// RequeueDeadLetters moves the named jobs from the dead-letter list back to
// pending and resets their nack counters.
func (q *RedisQueue) RequeueDeadLetters(ctx context.Context, jobs []domain.DeployJob) (int, error) {
	requeued := 0
	for _, job := range jobs {
		raw, err := encodeJob(job)
		if err != nil {
			return requeued, err
		}
		removed, err := q.client.LRem(ctx, q.deadKey(), 1, raw).Result()
		if err != nil {
			return requeued, fmt.Errorf("remove dead letter %s: %w", job.BuildID, err)
		}
		if removed == 0 {
			continue
		}
		pipe := q.client.TxPipeline()
		pipe.LPush(ctx, q.pendingKey(), raw)
		pipe.HDel(ctx, q.nackKey(), job.BuildID)
		if _, err := pipe.Exec(ctx); err != nil {
			return requeued, fmt.Errorf("requeue dead letter %s: %w", job.BuildID, err)
		}
		requeued++
	}
	q.metrics.QueueOp(redisBackend, "dead_letter_requeue", "", requeued)
	return requeued, q.refreshDeadGauge(ctx)
}

func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	pending, err := q.client.LLen(ctx, q.pendingKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	delayed, err := q.client.ZCard(ctx, q.delayedKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return pending + delayed, nil
}

// NackCount returns the error nacks recorded for a build id.
func (q *RedisQueue) NackCount(ctx context.Context, buildID string) (int, error) {
	v, err := q.client.HGet(ctx, q.nackKey(), buildID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(v)
}

func (q *RedisQueue) refreshDeadGauge(ctx context.Context) error {
	n, err := q.client.LLen(ctx, q.deadKey()).Result()
	if err != nil {
		return fmt.Errorf("dead letter depth: %w", err)
	}
	q.metrics.DeadLetters(redisBackend, n)
	return nil
}
