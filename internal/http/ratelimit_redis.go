package httpx

import (
	"context"
	"io"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	rateKeyPrefix    = "peep:pipeline:ratelimit:"
	redisLimitBudget = 250 * time.Millisecond
)

// redisRateLimiter shares fixed windows between pipeline replicas. A counter
// found without a TTL gets one on its next hit.
type redisRateLimiter struct {
	client redis.UniversalClient
	log    *slog.Logger
}

// NewRedisRateLimiter returns a limiter backed by client, which stays owned
// by the caller. When Redis is unreachable requests are let through.
func NewRedisRateLimiter(client redis.UniversalClient, logger *slog.Logger) RateLimiter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &redisRateLimiter{client: client, log: logger}
}

func (rl *redisRateLimiter) Allow(ctx context.Context, key string, q Quota) Decision {
	if q.Limit <= 0 {
		return Decision{Allowed: true}
	}
	q = q.normalized()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), redisLimitBudget)
	defer cancel()

	redisKey := rateKeyPrefix + key
	var (
		incr *redis.IntCmd
		ttl  *redis.DurationCmd
	)
	_, err := rl.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		ttl = pipe.PTTL(ctx, redisKey)
		return nil
	})
	if err != nil {
		rl.log.Warn("rate limiter unavailable, allowing request", "key", key, "error", err)
		return Decision{Allowed: true}
	}
	used := int(incr.Val())
	remaining := ttl.Val()
	if remaining <= 0 {
		// First hit of the window, or a key that lost its TTL.
		if err := rl.client.PExpire(ctx, redisKey, q.Window).Err(); err != nil {
			rl.log.Warn("rate limiter expire failed", "key", key, "error", err)
		}
		remaining = q.Window
	}
	return Decision{
		Allowed: used <= q.Limit,
		Used:    used,
		Reset:   time.Now().Add(remaining),
	}
}

func (rl *redisRateLimiter) Close() {}
