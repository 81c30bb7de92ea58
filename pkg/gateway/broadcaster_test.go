package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func websocketConnPair(t *testing.T) (*websocket.Conn, *websocket.Conn, func()) {
	t.Helper()

	serverConns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConns <- conn
	}))

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	var serverConn *websocket.Conn
	select {
	case serverConn = <-serverConns:
	case <-time.After(2 * time.Second):
		t.Fatal("server connection not established")
	}

	return serverConn, clientConn, func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
		srv.Close()
	}
}

func authenticatedClient(id string, conn *websocket.Conn) *Client {
	client := NewClient(id, conn, "127.0.0.1", NewClientRateLimiter(0, 0, 0))
	client.authenticated = true
	client.state = StateAuthenticated
	return client
}

func readEvent(t *testing.T, conn *websocket.Conn) EventMessage {
	t.Helper()
	var msg EventMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestEventBroadcaster_Broadcast(t *testing.T) {
	serverConn, clientConn, cleanup := websocketConnPair(t)
	defer cleanup()

	registry := NewClientRegistry()
	registry.Add(authenticatedClient("client-1", serverConn))

	broadcaster := NewEventBroadcaster(registry, zerolog.Nop())
	broadcaster.Broadcast("approval.requested", map[string]interface{}{"id": "a1"})
	broadcaster.BroadcastMessage(EventMessage{Event: "subagent.completed", SessionID: "sess-1", TraceID: "trace-1"})

	first := readEvent(t, clientConn)
	second := readEvent(t, clientConn)

	assert.Equal(t, "event", first.Type)
	assert.Equal(t, "approval.requested", first.Event)
	assert.NotZero(t, first.Seq)
	assert.NotZero(t, first.Timestamp)

	assert.Equal(t, "subagent.completed", second.Event)
	assert.Equal(t, "sess-1", second.SessionID)
	assert.Equal(t, "trace-1", second.TraceID)
	assert.Greater(t, second.Seq, first.Seq)
}

func TestEventBroadcaster_SkipsUnauthenticated(t *testing.T) {
	serverConn, clientConn, cleanup := websocketConnPair(t)
	defer cleanup()

	registry := NewClientRegistry()
	registry.Add(NewClient("client-1", serverConn, "127.0.0.1", nil))

	broadcaster := NewEventBroadcaster(registry, zerolog.Nop())
	broadcaster.Broadcast("tick", nil)
	assert.False(t, broadcaster.SendToClient("client-1", EventMessage{Event: "chat.chunk"}))

	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := clientConn.ReadMessage()
	assert.Error(t, err)
}

func TestEventBroadcaster_SendToClient(t *testing.T) {
	serverConn, clientConn, cleanup := websocketConnPair(t)
	defer cleanup()

	registry := NewClientRegistry()
	registry.Add(authenticatedClient("client-1", serverConn))
	broadcaster := NewEventBroadcaster(registry, zerolog.Nop())

	t.Run("should deliver to known client", func(t *testing.T) {
		ok := broadcaster.SendToClient("client-1", EventMessage{Event: "chat.chunk", Data: "hello"})
		assert.True(t, ok)

		msg := readEvent(t, clientConn)
		assert.Equal(t, "chat.chunk", msg.Event)
		assert.Equal(t, "hello", msg.Data)
	})

	t.Run("should report unknown client", func(t *testing.T) {
		assert.False(t, broadcaster.SendToClient("missing", EventMessage{Event: "chat.chunk"}))
	})
}
