package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/itskum47/agentforge/control_plane/middleware"
)

const (
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 30 * time.Second
	streamWriteWait  = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the CORS middleware.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientMessage is sent by subscribers: {"type":"subscribe","topics":["task:t1"]}.
// Topic is accepted as a shorthand for a single topic.
type clientMessage struct {
	Type   string   `json:"type"`
	Topic  string   `json:"topic,omitempty"`
	Topics []string `json:"topics,omitempty"`
}

func (m clientMessage) topics() []string {
	out := make([]string, 0, len(m.Topics)+1)
	if m.Topic != "" {
		out = append(out, m.Topic)
	}
	for _, t := range m.Topics {
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// serverMessage acknowledges a client message. Broadcast events are
// written as they come from the broadcaster.
type serverMessage struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// handleStream upgrades to WebSocket and registers with the hub. Initial
// topics may be passed as ?topics=tasks,agent:a1.
func (a *API) handleStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	var initial []string
	if q := c.Query("topics"); q != "" {
		for _, t := range strings.Split(q, ",") {
			if t = strings.TrimSpace(t); t != "" {
				initial = append(initial, t)
			}
		}
	}

	client := &streamClient{
		conn:    conn,
		replies: make(chan serverMessage, 16),
		userID:  c.GetHeader(middleware.UserHeader),
	}
	if !a.hub.Register(client, initial...) {
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many stream connections")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(streamWriteWait))
		conn.Close()
		return
	}
	defer a.hub.Unregister(client)

	writerDone := make(chan struct{})
	go a.writePump(client, writerDone)

	if len(initial) > 0 {
		client.replies <- serverMessage{Type: "subscribed", Topics: client.sub.Topics()}
	}

	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(streamPongWait))
		return nil
	})

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				a.log.WithError(err).Debug("stream read error")
			}
			return
		}

		var reply serverMessage
		switch msg.Type {
		case "subscribe":
			client.sub.Subscribe(msg.topics()...)
			reply = serverMessage{Type: "subscribed", Topics: client.sub.Topics()}
		case "unsubscribe":
			client.sub.Unsubscribe(msg.topics()...)
			reply = serverMessage{Type: "unsubscribed", Topics: client.sub.Topics()}
		case "ping":
			reply = serverMessage{Type: "pong"}
		default:
			reply = serverMessage{Type: "error", Error: "unknown message type " + msg.Type}
		}

		select {
		case client.replies <- reply:
		case <-writerDone:
			return
		}
	}
}

// writePump forwards subscribed events and replies, and pings the client.
// It exits when the subscription is closed or a write fails.
func (a *API) writePump(c *streamClient, done chan struct{}) {
	ticker := time.NewTicker(streamPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(done)
	}()

	events := c.sub.C()
	for {
		var payload interface{}
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload = ev
		case reply := <-c.replies:
			payload = reply
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
			continue
		}

		c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := c.conn.WriteJSON(payload); err != nil {
			a.log.WithError(err).Debug("stream write failed")
			return
		}
	}
}
