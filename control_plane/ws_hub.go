package main

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/itskum47/agentforge/control_plane/logging"
	"github.com/itskum47/agentforge/control_plane/observability"
	"github.com/itskum47/agentforge/control_plane/streaming"
)

const maxStreamConnections = 200

// streamClient is one WebSocket subscriber. Only its write pump writes to
// conn; the read pump queues replies.
type streamClient struct {
	conn    *websocket.Conn
	sub     *streaming.Subscription
	replies chan serverMessage
	userID  string
}

type registration struct {
	client   *streamClient
	topics   []string
	accepted chan bool
}

// StreamHub owns the WebSocket subscribers and their broadcaster
// subscriptions. Registration goes through the Run loop so the connection
// cap is checked in one place.
type StreamHub struct {
	events   *streaming.Broadcaster
	maxConns int

	clients    map[*streamClient]struct{}
	register   chan registration
	unregister chan *streamClient
	done       chan struct{}
	mu         sync.RWMutex
	log        *logrus.Entry
}

// NewStreamHub creates a new WebSocket hub.
func NewStreamHub(events *streaming.Broadcaster) *StreamHub {
	return &StreamHub{
		events:     events,
		maxConns:   maxStreamConnections,
		clients:    make(map[*streamClient]struct{}),
		register:   make(chan registration),
		unregister: make(chan *streamClient),
		done:       make(chan struct{}),
		log:        logging.For("stream-hub"),
	}
}

// Run starts the hub's main loop.
func (h *StreamHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= h.maxConns {
				h.mu.Unlock()
				h.log.WithField("max", h.maxConns).Warn("stream connection rejected: max connections reached")
				reg.accepted <- false
				continue
			}
			reg.client.sub = h.events.NewSubscription(reg.topics...)
			h.clients[reg.client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			observability.StreamConnections.Set(float64(total))
			h.log.WithFields(logrus.Fields{"user_id": reg.client.userID, "total": total}).Debug("stream client registered")
			reg.accepted <- true

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.sub.Close()
				c.conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			observability.StreamConnections.Set(float64(total))
		}
	}
}

// shutdown gracefully closes all client connections.
func (h *StreamHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.log.WithField("clients", len(h.clients)).Info("shutting down stream hub")
	for c := range h.clients {
		c.sub.Close()
		c.conn.Close()
	}
	h.clients = make(map[*streamClient]struct{})
	observability.StreamConnections.Set(0)
	close(h.done)
}

// Register adds a client subscribed to topics. It reports false when the
// hub is full or stopped.
func (h *StreamHub) Register(c *streamClient, topics ...string) bool {
	reg := registration{client: c, topics: topics, accepted: make(chan bool, 1)}
	select {
	case h.register <- reg:
		return <-reg.accepted
	case <-h.done:
		return false
	}
}

// Unregister removes a client connection.
func (h *StreamHub) Unregister(c *streamClient) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *StreamHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
