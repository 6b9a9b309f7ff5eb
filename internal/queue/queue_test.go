package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/localvercel/pipeline/internal/domain"
	"github.com/splax/localvercel/pipeline/internal/metrics"
)

type clocked interface {
	Queue
	setNow(func() time.Time)
}

func (q *MemoryQueue) setNow(now func() time.Time) { q.now = now }
func (q *RedisQueue) setNow(now func() time.Time)  { q.now = now }

func newRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, RedisConfig{Key: "test:jobs"}, metrics.New(nil))
}

func backends(t *testing.T) map[string]func() clocked {
	return map[string]func() clocked{
		"memory": func() clocked { return NewMemoryQueue(nil) },
		"redis":  func() clocked { return newRedisQueue(t) },
	}
}

func job(id string) domain.DeployJob {
	return domain.DeployJob{BuildID: id, UserID: "u1", ProjectID: "p1", VersionID: "v-" + id, ProjectPath: "/tmp/p1"}
}

func TestQueueFIFOAndAck(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := mk()
			require.NoError(t, q.Enqueue(ctx, job("b1")))
			require.NoError(t, q.Enqueue(ctx, job("b2")))

			depth, err := q.Depth(ctx)
			require.NoError(t, err)
			assert.EqualValues(t, 2, depth)

			first, err := q.Claim(ctx, "w1", time.Minute)
			require.NoError(t, err)
			require.NotNil(t, first)
			assert.Equal(t, "b1", first.Job.BuildID)
			assert.Equal(t, "w1", first.ClaimedBy)
			require.NoError(t, q.Ack(ctx, *first))

			second, err := q.Claim(ctx, "w1", time.Minute)
			require.NoError(t, err)
			require.NotNil(t, second)
			assert.Equal(t, "b2", second.Job.BuildID)
			require.NoError(t, q.Ack(ctx, *second))

			empty, err := q.Claim(ctx, "w1", time.Minute)
			require.NoError(t, err)
			assert.Nil(t, empty)
		})
	}
}

func TestQueueRequeuesExpiredClaims(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := mk()
			require.NoError(t, q.Enqueue(ctx, job("b1")))

			c, err := q.Claim(ctx, "w1", time.Second)
			require.NoError(t, err)
			require.NotNil(t, c)

			moved, err := q.RequeueExpired(ctx, time.Now().UTC(), 10)
			require.NoError(t, err)
			assert.Zero(t, moved)

			moved, err = q.RequeueExpired(ctx, time.Now().UTC().Add(2*time.Second), 10)
			require.NoError(t, err)
			assert.Equal(t, 1, moved)

			again, err := q.Claim(ctx, "w2", time.Minute)
			require.NoError(t, err)
			require.NotNil(t, again)
			assert.Equal(t, "b1", again.Job.BuildID)

			// the stale receipt no longer settles anything
			require.NoError(t, q.Ack(ctx, *c))
			require.NoError(t, q.Ack(ctx, *again))
		})
	}
}

func TestQueueDeadLettersAfterRepeatedErrors(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := mk()
			require.NoError(t, q.Enqueue(ctx, job("b1")))

			for i := 0; i < DeadLetterMax; i++ {
				c, err := q.Claim(ctx, "w1", time.Minute)
				require.NoError(t, err)
				require.NotNil(t, c, "attempt %d", i)
				require.NoError(t, q.Nack(ctx, *c, ReasonError, 0))
			}

			c, err := q.Claim(ctx, "w1", time.Minute)
			require.NoError(t, err)
			assert.Nil(t, c)

			dead, err := q.DeadLetters(ctx, 10)
			require.NoError(t, err)
			require.Len(t, dead, 1)
			assert.Equal(t, "b1", dead[0].BuildID)
		})
	}
}

func TestQueueConflictNackDelaysWithoutCounting(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := mk()
			now := time.Now()
			q.setNow(func() time.Time { return now })
			require.NoError(t, q.Enqueue(ctx, job("b1")))

			for i := 0; i < DeadLetterMax+2; i++ {
				c, err := q.Claim(ctx, "w1", time.Minute)
				require.NoError(t, err)
				require.NotNil(t, c, "attempt %d", i)
				require.NoError(t, q.Nack(ctx, *c, ReasonConflict, 10*time.Second))

				none, err := q.Claim(ctx, "w1", time.Minute)
				require.NoError(t, err)
				assert.Nil(t, none, "delayed job must not be claimable yet")

				now = now.Add(11 * time.Second)
			}

			dead, err := q.DeadLetters(ctx, 10)
			require.NoError(t, err)
			assert.Empty(t, dead)
		})
	}
}

func TestQueueShutdownNackRequeuesImmediately(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := mk()
			require.NoError(t, q.Enqueue(ctx, job("b1")))
			c, err := q.Claim(ctx, "w1", time.Minute)
			require.NoError(t, err)
			require.NoError(t, q.Nack(ctx, *c, ReasonShutdown, 0))

			again, err := q.Claim(ctx, "w2", time.Minute)
			require.NoError(t, err)
			require.NotNil(t, again)
			assert.Equal(t, "b1", again.Job.BuildID)
		})
	}
}

func TestRedisQueueRequeueDeadLetters(t *testing.T) {
	ctx := context.Background()
	q := newRedisQueue(t)
	require.NoError(t, q.Enqueue(ctx, job("b1")))
	for i := 0; i < DeadLetterMax; i++ {
		c, err := q.Claim(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, c)
		require.NoError(t, q.Nack(ctx, *c, ReasonError, 0))
	}
	count, err := q.NackCount(ctx, "b1")
	require.NoError(t, err)
	assert.Zero(t, count)

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	n, err := q.RequeueDeadLetters(ctx, dead)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c, err := q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "b1", c.Job.BuildID)
}

func TestRedisQueueDeadLettersUnreadablePayload(t *testing.T) {
	ctx := context.Background()
	q := newRedisQueue(t)
	require.NoError(t, q.client.LPush(ctx, q.pendingKey(), "{not json").Err())

	_, err := q.Claim(ctx, "w1", time.Minute)
	require.Error(t, err)

	n, err := q.client.LLen(ctx, q.deadKey()).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	claims, err := q.client.HLen(ctx, q.claimsKey()).Result()
	require.NoError(t, err)
	assert.Zero(t, claims)
}

func TestRetryable(t *testing.T) {
	assert.Nil(t, Retryable(nil))
	err := fmt.Errorf("stage: %w", Retryable(context.DeadlineExceeded))
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, IsRetryable(context.Canceled))
}
