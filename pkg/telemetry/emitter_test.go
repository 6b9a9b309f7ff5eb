package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPEmitterPostsEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/builds/b-1/events", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-Pipeline-Token"))
		var got Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, CodeBuildStarted, got.Code)
		assert.False(t, got.OccurredAt.IsZero())
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	e, err := NewHTTPEmitter(srv.URL+"/", " secret ", nil)
	require.NoError(t, err)
	require.NoError(t, e.Emit(context.Background(), Event{BuildID: "b-1", Code: CodeBuildStarted, Phase: PhaseStart}))
}

func TestHTTPEmitterErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	e, err := NewHTTPEmitter(srv.URL, "", &http.Client{Timeout: time.Second})
	require.NoError(t, err)
	err = e.Emit(context.Background(), Event{BuildID: "b"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	assert.Error(t, e.Emit(context.Background(), Event{}))
	_, err = NewHTTPEmitter(" ", "", nil)
	assert.Error(t, err)
}

type fakePublisher struct {
	topic   string
	payload []byte
	ok      bool
}

func (f *fakePublisher) Publish(topic string, payload []byte) bool {
	f.topic, f.payload = topic, payload
	return f.ok
}

func TestHubAndMultiEmitter(t *testing.T) {
	pub := &fakePublisher{ok: true}
	var logs bytes.Buffer
	m := MultiEmitter{NewHubEmitter(pub), nil, NewLogEmitter(slog.New(slog.NewJSONHandler(&logs, nil)))}

	require.NoError(t, m.Emit(context.Background(), Event{BuildID: "b1", Code: CodeDeployFallback, Phase: PhaseWarning}))
	assert.Equal(t, "b1", pub.topic)
	assert.Contains(t, string(pub.payload), `"code":"DEPLOY_FALLBACK"`)
	assert.Contains(t, logs.String(), `"level":"WARN"`)

	pub.ok = false
	err := m.Emit(context.Background(), Event{BuildID: "b1"})
	assert.Error(t, err)
}

func TestProgressWeights(t *testing.T) {
	assert.Equal(t, 0.0, Progress("installing", 0))
	assert.Equal(t, 15.0, Progress("installing", 0.5))
	assert.Equal(t, 35.0, Progress("building", 0))
	assert.Equal(t, 65.0, Progress("detecting-target", 0))
	assert.Equal(t, 95.0, Progress("packaging", 0))
	assert.Equal(t, 100.0, Progress("packaging", 2))
	assert.Equal(t, 100.0, Progress("deployed", 0))
	assert.Equal(t, 0.0, Progress("queued", 1))

	var total float64
	for _, w := range weights {
		total += w.weight
	}
	assert.Equal(t, 100.0, total)
}

func TestTruncate(t *testing.T) {
	short := "npm ERR! missing script"
	assert.Equal(t, short, Truncate(short))

	long := strings.Repeat("a", 5000) + "TAIL"
	out := Truncate(long)
	assert.True(t, strings.HasSuffix(out, "TAIL"))
	assert.LessOrEqual(t, len(out), maxMetadataText+len("…"))
}
