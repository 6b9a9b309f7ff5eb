package latest

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

func TestRedisPointer(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	p := NewRedisPointer(client, "", time.Hour)
	_, err := p.GetLatest(ctx, "u1", "p1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, p.SetLatest(ctx, "u1", "p1", Entry{VersionID: "v1", PreviewURL: "https://a", Timestamp: ts}))
	require.NoError(t, p.SetLatest(ctx, "u1", "p1", Entry{VersionID: "v2", PreviewURL: "https://b", Timestamp: ts.Add(time.Minute)}))

	got, err := p.GetLatest(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.VersionID)
	assert.True(t, got.Timestamp.Equal(ts.Add(time.Minute)))
	assert.Equal(t, time.Hour, mr.TTL("peep:latest:u1:p1"))

	mr.FastForward(2 * time.Hour)
	_, err = p.GetLatest(ctx, "u1", "p1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestNoop(t *testing.T) {
	var p Pointer = Noop{}
	require.NoError(t, p.SetLatest(context.Background(), "u", "p", Entry{VersionID: "v"}))
	_, err := p.GetLatest(context.Background(), "u", "p")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
