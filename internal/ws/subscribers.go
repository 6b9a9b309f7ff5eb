package ws

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// retryHint tells EventSource clients how long to wait before reconnecting.
	retryHint = 3 * time.Second
)

// Socket is a websocket subscriber. Viewers only read, so inbound frames
// other than control frames are discarded.
type Socket struct {
	mu   sync.Mutex
	conn *websocket.Conn
	log  *slog.Logger
	once sync.Once
	done chan struct{}
}

// NewSocket wraps an upgraded connection.
func NewSocket(conn *websocket.Conn, logger *slog.Logger) *Socket {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Socket{conn: conn, log: logger, done: make(chan struct{})}
}

func (s *Socket) Send(payload []byte) error {
	return s.write(websocket.TextMessage, payload)
}

func (s *Socket) write(kind int, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(kind, payload); err != nil {
		s.log.Debug("websocket write failed", "error", err)
		s.Close()
		return err
	}
	return nil
}

// Close is idempotent.
func (s *Socket) Close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Serve pings the peer and drains its frames until the peer goes away, ctx
// ends, or the socket is closed by the hub. A peer that misses pongs for
// longer than pongWait is dropped.
func (s *Socket) Serve(ctx context.Context) {
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer s.Close()
		for {
			if _, _, err := s.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// EventStream is a Server-Sent Events subscriber. Every frame carries a
// monotonically increasing id so reconnecting clients can tell replayed
// backlog apart from new events.
type EventStream struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	log     *slog.Logger
	seq     int
	closed  bool
	done    chan struct{}
}

// NewEventStream writes the retry hint and returns the subscriber. The caller
// must have sent the response headers.
func NewEventStream(w io.Writer, flusher http.Flusher, logger *slog.Logger) (*EventStream, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &EventStream{w: w, flusher: flusher, log: logger, done: make(chan struct{})}
	if _, err := fmt.Fprintf(w, "retry: %d\n\n", retryHint.Milliseconds()); err != nil {
		return nil, err
	}
	flusher.Flush()
	return s, nil
}

func (s *EventStream) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.writeLocked("id: %d\ndata: %s\n\n", s.seq, payload)
}

// Heartbeat writes a comment frame so idle proxies keep the stream open.
func (s *EventStream) Heartbeat() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(": keepalive\n\n")
}

func (s *EventStream) writeLocked(format string, args ...any) error {
	if s.closed {
		return io.EOF
	}
	if _, err := fmt.Fprintf(s.w, format, args...); err != nil {
		s.log.Debug("event stream write failed", "error", err)
		s.closeLocked()
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *EventStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

// Done is closed once the stream is closed by either side.
func (s *EventStream) Done() <-chan struct{} {
	return s.done
}

func (s *EventStream) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

// Serve sends heartbeats every interval until ctx ends or the stream closes.
func (s *EventStream) Serve(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.Heartbeat(); err != nil {
				return
			}
		}
	}
}
