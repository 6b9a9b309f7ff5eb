package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/localvercel/pipeline/internal/domain"
)

type harness struct {
	locker  Locker
	advance func(time.Duration)
}

func harnesses(t *testing.T) map[string]func() harness {
	return map[string]func() harness{
		"memory": func() harness {
			l := NewMemoryLocker()
			now := time.Now()
			l.now = func() time.Time { return now }
			return harness{locker: l, advance: func(d time.Duration) { now = now.Add(d) }}
		},
		"redis": func() harness {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return harness{locker: NewRedisLocker(client, "test:lock:"), advance: mr.FastForward}
		},
	}
}

func TestAcquireConflictsWhileHeld(t *testing.T) {
	for name, mk := range harnesses(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := mk()
			key := ProjectKey("p1")

			lease, err := h.locker.Acquire(ctx, key, time.Minute)
			require.NoError(t, err)
			require.NotEmpty(t, lease.Token)

			_, err = h.locker.Acquire(ctx, key, time.Minute)
			assert.ErrorIs(t, err, domain.ErrConflict)

			other, err := h.locker.Acquire(ctx, ProjectKey("p2"), time.Minute)
			require.NoError(t, err)
			require.NoError(t, other.Release(ctx))

			require.NoError(t, lease.Release(ctx))
			again, err := h.locker.Acquire(ctx, key, time.Minute)
			require.NoError(t, err)
			require.NoError(t, again.Release(ctx))
		})
	}
}

func TestExpiredLeaseCannotReleaseNewOwner(t *testing.T) {
	for name, mk := range harnesses(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := mk()
			key := ProjectKey("p1")

			stale, err := h.locker.Acquire(ctx, key, time.Second)
			require.NoError(t, err)
			h.advance(2 * time.Second)

			owner, err := h.locker.Acquire(ctx, key, time.Minute)
			require.NoError(t, err)

			require.NoError(t, stale.Release(ctx))
			assert.ErrorIs(t, stale.Refresh(ctx), domain.ErrConflict)

			_, err = h.locker.Acquire(ctx, key, time.Minute)
			assert.ErrorIs(t, err, domain.ErrConflict, "new owner must still hold the lock")
			require.NoError(t, owner.Release(ctx))
		})
	}
}

func TestRefreshExtendsLease(t *testing.T) {
	for name, mk := range harnesses(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := mk()
			key := ProjectKey("p1")

			lease, err := h.locker.Acquire(ctx, key, 2*time.Second)
			require.NoError(t, err)
			h.advance(time.Second)
			require.NoError(t, lease.Refresh(ctx))
			h.advance(1500 * time.Millisecond)

			_, err = h.locker.Acquire(ctx, key, time.Minute)
			assert.ErrorIs(t, err, domain.ErrConflict)
		})
	}
}

func TestNilLeaseRelease(t *testing.T) {
	var lease *Lease
	assert.NoError(t, lease.Release(context.Background()))
}
