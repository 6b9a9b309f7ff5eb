// Package ws fans progress events out to streaming subscribers keyed by
// build id.
package ws

import (
	"context"
	"sync"
)

const (
	defaultBacklog   = 128
	defaultMaxTopics = 256
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions by topic. It keeps a bounded backlog per
// topic so that a subscriber joining mid-build sees the earlier events.
type Hub struct {
	mu        sync.Mutex
	clients   map[string]map[Subscriber]struct{}
	backlog   map[string][][]byte
	order     []string
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	done      chan struct{}
	stopOnce  sync.Once

	backlogSize int
	maxTopics   int
}

// message couples payload with topic.
type message struct {
	topic   string
	payload []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	topic  string
	client Subscriber
}

// NewHub creates a Hub and starts its dispatch loop. The loop runs until ctx
// is cancelled or Stop is called.
func NewHub(ctx context.Context) *Hub {
	h := &Hub{
		clients:     make(map[string]map[Subscriber]struct{}),
		backlog:     make(map[string][][]byte),
		register:    make(chan subscription),
		unreg:       make(chan subscription),
		broadcast:   make(chan message, 64),
		done:        make(chan struct{}),
		backlogSize: defaultBacklog,
		maxTopics:   defaultMaxTopics,
	}
	go h.run(ctx)
	return h
}

// Stop terminates the dispatch loop and closes every subscriber.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *Hub) run(ctx context.Context) {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case sub := <-h.register:
			h.mu.Lock()
			if _, ok := h.clients[sub.topic]; !ok {
				h.clients[sub.topic] = make(map[Subscriber]struct{})
			}
			h.clients[sub.topic][sub.client] = struct{}{}
			history := append([][]byte(nil), h.backlog[sub.topic]...)
			h.mu.Unlock()
			for _, payload := range history {
				if err := sub.client.Send(payload); err != nil {
					h.drop(sub.topic, sub.client)
					break
				}
			}
		case sub := <-h.unreg:
			h.drop(sub.topic, sub.client)
		case msg := <-h.broadcast:
			h.remember(msg)
			h.mu.Lock()
			clients := make([]Subscriber, 0, len(h.clients[msg.topic]))
			for c := range h.clients[msg.topic] {
				clients = append(clients, c)
			}
			h.mu.Unlock()
			for _, c := range clients {
				if err := c.Send(msg.payload); err != nil {
					h.drop(msg.topic, c)
				}
			}
		}
	}
}

func (h *Hub) remember(msg message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.backlog[msg.topic]; !ok {
		h.order = append(h.order, msg.topic)
		if len(h.order) > h.maxTopics {
			evict := h.order[0]
			h.order = h.order[1:]
			delete(h.backlog, evict)
		}
	}
	events := append(h.backlog[msg.topic], msg.payload)
	if len(events) > h.backlogSize {
		events = events[len(events)-h.backlogSize:]
	}
	h.backlog[msg.topic] = events
}

func (h *Hub) drop(topic string, client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.clients[topic]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	client.Close()
	if len(clients) == 0 {
		delete(h.clients, topic)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, clients := range h.clients {
		for c := range clients {
			c.Close()
		}
		delete(h.clients, topic)
	}
}

// Register adds a client to a topic stream and replays its backlog.
func (h *Hub) Register(topic string, client Subscriber) {
	if h.stopped() {
		client.Close()
		return
	}
	select {
	case h.register <- subscription{topic: topic, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(topic string, client Subscriber) {
	select {
	case h.unreg <- subscription{topic: topic, client: client}:
	case <-h.done:
	}
}

// Publish sends payload to all topic clients. It returns false once the hub
// has stopped.
func (h *Hub) Publish(topic string, payload []byte) bool {
	if h.stopped() {
		return false
	}
	select {
	case h.broadcast <- message{topic: topic, payload: payload}:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) stopped() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Subscribers reports how many clients follow topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[topic])
}
