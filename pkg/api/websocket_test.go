package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/n8nstream/pkg/models"
)

func dialWebSocket(t *testing.T, server *httptest.Server, key string, header http.Header) *websocket.Conn {
	t.Helper()
	// Convert http://127.0.0.1 to ws://127.0.0.1
	u := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/ws/" + key
	ws, _, err := websocket.DefaultDialer.Dial(u, header)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestWebSocketReplayAndLive(t *testing.T) {
	s, st := newTestServer(t)
	server := httptest.NewServer(s.Handler())
	defer server.Close()

	_, err := st.Publish(models.StreamUpdate{ExecutionID: "E", Status: models.StatusInProgress, Message: "e1"})
	require.NoError(t, err)
	_, err = st.Publish(models.StreamUpdate{ExecutionID: models.DefaultKey, Status: models.StatusInfo, Message: "d1"})
	require.NoError(t, err)

	ws := dialWebSocket(t, server, "E", nil)

	var ack ControlMessage
	require.NoError(t, ws.ReadJSON(&ack))
	assert.Equal(t, "connected", ack.Type)
	assert.Equal(t, "E", ack.ExecutionID)

	var u models.StreamUpdate
	require.NoError(t, ws.ReadJSON(&u))
	assert.Equal(t, "e1", u.Message)
	require.NoError(t, ws.ReadJSON(&u))
	assert.Equal(t, "d1", u.Message)

	assert.Equal(t, 1, s.WebSockets().GetConnectedClients())

	_, err = st.Publish(models.StreamUpdate{ExecutionID: "E", Status: models.StatusCompleted, Message: "live"})
	require.NoError(t, err)
	require.NoError(t, ws.ReadJSON(&u))
	assert.Equal(t, "live", u.Message)
	assert.Equal(t, models.StatusCompleted, u.Status)
}

func TestWebSocketPingAndSubscribe(t *testing.T) {
	s, st := newTestServer(t)
	server := httptest.NewServer(s.Handler())
	defer server.Close()

	ws := dialWebSocket(t, server, "E", nil)

	var msg ControlMessage
	require.NoError(t, ws.ReadJSON(&msg))

	require.NoError(t, ws.WriteJSON(WebSocketMessage{Type: "ping"}))
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, "pong", msg.Type)

	require.NoError(t, ws.WriteJSON(WebSocketMessage{Type: "subscribe", ExecutionID: "F"}))
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, "subscribed", msg.Type)
	assert.Equal(t, "F", msg.ExecutionID)
	assert.Equal(t, 1, st.ConnectionCount("F"))

	require.NoError(t, ws.WriteJSON(WebSocketMessage{Type: "unsubscribe", ExecutionID: "F"}))
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, "unsubscribed", msg.Type)
	assert.Equal(t, 0, st.ConnectionCount("F"))

	require.NoError(t, ws.WriteJSON(WebSocketMessage{Type: "bogus"}))
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, "error", msg.Type)
}

func TestWebSocketCleanupOnClose(t *testing.T) {
	s, st := newTestServer(t)
	server := httptest.NewServer(s.Handler())
	defer server.Close()

	ws := dialWebSocket(t, server, "E", nil)
	var msg ControlMessage
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, 1, st.ConnectionCount("E"))

	ws.Close()

	assert.Eventually(t, func() bool {
		return st.ConnectionCount("E") == 0 && s.WebSockets().GetConnectedClients() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketRejectsDisallowedOrigin(t *testing.T) {
	s, _ := newTestServer(t)
	server := httptest.NewServer(s.Handler())
	defer server.Close()

	u := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/ws/E"
	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")

	_, resp, err := websocket.DefaultDialer.Dial(u, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebSocketRepeatedSubscribeIsAcknowledged(t *testing.T) {
	s, st := newTestServer(t)
	server := httptest.NewServer(s.Handler())
	defer server.Close()

	_, err := st.Publish(models.StreamUpdate{ExecutionID: "F", Status: models.StatusInProgress, Message: "f1"})
	require.NoError(t, err)

	ws := dialWebSocket(t, server, "E", nil)
	var msg ControlMessage
	require.NoError(t, ws.ReadJSON(&msg))

	require.NoError(t, ws.WriteJSON(WebSocketMessage{Type: "subscribe", ExecutionID: "F"}))
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, "subscribed", msg.Type)
	var u models.StreamUpdate
	require.NoError(t, ws.ReadJSON(&u))
	assert.Equal(t, "f1", u.Message)

	require.NoError(t, ws.WriteJSON(WebSocketMessage{Type: "subscribe", ExecutionID: "F"}))
	msg = ControlMessage{}
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, "subscribed", msg.Type)
	assert.Equal(t, "F", msg.ExecutionID)
	assert.Equal(t, "already subscribed", msg.Message)
	assert.Equal(t, 1, st.ConnectionCount("F"))

	// no second replay: the next frame answers the ping
	require.NoError(t, ws.WriteJSON(WebSocketMessage{Type: "ping"}))
	msg = ControlMessage{}
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, "pong", msg.Type)
}
