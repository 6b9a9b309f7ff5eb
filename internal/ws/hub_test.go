package ws

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	got    []string
	closed bool
	fail   bool
}

func (r *recorder) Send(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("broken pipe")
	}
	r.got = append(r.got, string(p))
	return nil
}

func (r *recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func TestHubReplaysBacklogThenStreams(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub(ctx)

	require.True(t, h.Publish("b1", []byte("one")))
	require.True(t, h.Publish("b2", []byte("other")))

	r := &recorder{}
	h.Register("b1", r)
	require.True(t, h.Publish("b1", []byte("two")))

	require.Eventually(t, func() bool { return len(r.messages()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"one", "two"}, r.messages())
	assert.Equal(t, 1, h.Subscribers("b1"))

	h.Unregister("b1", r)
	require.Eventually(t, func() bool { return h.Subscribers("b1") == 0 }, time.Second, 5*time.Millisecond)
}

func TestHubDropsFailingSubscriber(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub(ctx)
	r := &recorder{fail: true}
	h.Register("b1", r)
	h.Publish("b1", []byte("x"))
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.closed
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, h.Subscribers("b1"))
}

func TestHubBacklogBounded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub(ctx)
	h.mu.Lock()
	h.backlogSize = 2
	h.maxTopics = 1
	h.mu.Unlock()
	h.Publish("b1", []byte("1"))
	h.Publish("b1", []byte("2"))
	h.Publish("b1", []byte("3"))

	r := &recorder{}
	h.Register("b1", r)
	require.Eventually(t, func() bool { return len(r.messages()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"2", "3"}, r.messages())

	h.Publish("b2", []byte("x"))
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		_, ok := h.backlog["b1"]
		return !ok
	}, time.Second, 5*time.Millisecond, "oldest topic evicted")
	late := &recorder{}
	h.Register("b1", late)
	assert.Empty(t, late.messages())
}

func TestHubStopClosesSubscribers(t *testing.T) {
	h := NewHub(context.Background())
	r := &recorder{}
	h.Register("b1", r)
	h.Stop()
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.closed
	}, time.Second, 5*time.Millisecond)
	assert.False(t, h.Publish("b1", []byte("late")))
}

func TestEventStreamFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	s, err := NewEventStream(rec, rec, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NoError(t, s.Send([]byte(`{"code":"BUILD_STARTED"}`)))
	require.NoError(t, s.Heartbeat())
	require.NoError(t, s.Send([]byte(`{"code":"BUILD_COMPLETED"}`)))
	s.Close()
	assert.ErrorIs(t, s.Send([]byte("x")), io.EOF)
	select {
	case <-s.Done():
	default:
		t.Fatal("done channel not closed")
	}
	assert.Equal(t, "retry: 3000\n\n"+
		"id: 1\ndata: {\"code\":\"BUILD_STARTED\"}\n\n"+
		": keepalive\n\n"+
		"id: 2\ndata: {\"code\":\"BUILD_COMPLETED\"}\n\n", rec.Body.String())
}

func TestEventStreamServeStopsWithContext(t *testing.T) {
	rec := httptest.NewRecorder()
	s, err := NewEventStream(rec, rec, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		s.Serve(ctx, time.Hour)
		close(finished)
	}()
	cancel()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("serve did not return")
	}
	assert.ErrorIs(t, s.Heartbeat(), io.EOF)
}
