package main

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/agentforge/control_plane/streaming"
)

func dialStream(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/stream" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestStreamSubscribeAndReceive(t *testing.T) {
	h := newAPIHarness(t, nil)
	srv := httptest.NewServer(h.router)
	defer srv.Close()

	conn := dialStream(t, srv, "")
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "subscribe", "topic": streaming.TaskTopic("t1")}))
	ack := readFrame(t, conn)
	assert.Equal(t, "subscribed", ack["type"])
	assert.Equal(t, []interface{}{"task:t1"}, ack["topics"])

	h.events.BroadcastExecution(streaming.ExecutionUpdate{
		AgentID: "a1", TaskID: "t2", Phase: streaming.PhaseRunning, Kind: "output", Output: "not for us",
	})
	h.events.BroadcastExecution(streaming.ExecutionUpdate{
		AgentID: "a1", TaskID: "t1", Phase: streaming.PhaseRunning, Kind: "output", Output: "hello",
	})

	ev := readFrame(t, conn)
	assert.Equal(t, "task:t1", ev["topic"])
	assert.Equal(t, "execution.output", ev["type"])
	payload := ev["payload"].(map[string]interface{})
	assert.Equal(t, "hello", payload["output"])

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "unsubscribe", "topics": []string{"task:t1"}}))
	ack = readFrame(t, conn)
	assert.Equal(t, "unsubscribed", ack["type"])
	assert.Nil(t, ack["topics"])

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "bogus"}))
	reply := readFrame(t, conn)
	assert.Equal(t, "error", reply["type"])
}

func TestStreamInitialTopics(t *testing.T) {
	h := newAPIHarness(t, nil)
	srv := httptest.NewServer(h.router)
	defer srv.Close()

	conn := dialStream(t, srv, "?topics=agents,agent:a1")
	ack := readFrame(t, conn)
	assert.Equal(t, "subscribed", ack["type"])
	assert.ElementsMatch(t, []interface{}{"agents", "agent:a1"}, ack["topics"])

	h.events.BroadcastAgentStatus("a1", "BUSY", "ACTIVE", "dispatch")
	ev := readFrame(t, conn)
	assert.Equal(t, "agent.status", ev["type"])
	assert.Eventually(t, func() bool { return h.hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestStreamConnectionCap(t *testing.T) {
	h := newAPIHarness(t, nil)
	h.hub.maxConns = 1
	srv := httptest.NewServer(h.router)
	defer srv.Close()

	first := dialStream(t, srv, "")
	require.NoError(t, first.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, "pong", readFrame(t, first)["type"])

	second := dialStream(t, srv, "")
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := second.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)
	assert.Equal(t, 1, h.hub.ClientCount())
}
