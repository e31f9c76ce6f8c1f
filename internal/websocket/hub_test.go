package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T, getState func() interface{}) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(getState, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func TestNewClientReceivesWelcomeAndState(t *testing.T) {
	_, srv := startHub(t, func() interface{} { return map[string]string{"tier": "premium"} })
	conn := dial(t, srv)

	welcome := readMessage(t, conn)
	assert.Equal(t, TypeWelcome, welcome.Type)

	initial := readMessage(t, conn)
	assert.Equal(t, TypeInitialState, initial.Type)
	assert.Equal(t, map[string]interface{}{"tier": "premium"}, initial.Data)
}

func TestBroadcastReachesClients(t *testing.T) {
	hub, srv := startHub(t, nil)
	a := dial(t, srv)
	b := dial(t, srv)

	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, TypeWelcome, readMessage(t, a).Type)
	assert.Equal(t, TypeWelcome, readMessage(t, b).Type)

	hub.Broadcast(TypeTierChanged, map[string]string{"current": "free"})

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessage(t, conn)
		assert.Equal(t, TypeTierChanged, msg.Type)
		assert.Equal(t, map[string]interface{}{"current": "free"}, msg.Data)
	}
}

func TestPingAndRequestState(t *testing.T) {
	_, srv := startHub(t, func() interface{} { return "snapshot" })
	conn := dial(t, srv)
	readMessage(t, conn) // welcome
	readMessage(t, conn) // initial state

	require.NoError(t, conn.WriteJSON(Message{Type: "ping"}))
	assert.Equal(t, TypePong, readMessage(t, conn).Type)

	require.NoError(t, conn.WriteJSON(Message{Type: "requestState"}))
	msg := readMessage(t, conn)
	assert.Equal(t, TypeInitialState, msg.Type)
	assert.Equal(t, "snapshot", msg.Data)
}

func TestDisconnectUnregisters(t *testing.T) {
	hub, srv := startHub(t, nil)
	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestCrossOriginRejected(t *testing.T) {
	_, srv := startHub(t, nil)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAllowedOrigin(t *testing.T) {
	hub := NewHub(nil, []string{"https://app.solace.example"})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://app.solace.example")
	assert.True(t, hub.upgrader.CheckOrigin(req))

	req.Header.Set("Origin", "https://other.example")
	assert.False(t, hub.upgrader.CheckOrigin(req))
}

func TestWildcardOrigins(t *testing.T) {
	hub := NewHub(nil, []string{"https://*.solace.app/", " "})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)

	req.Header.Set("Origin", "https://beta.solace.app")
	assert.True(t, hub.upgrader.CheckOrigin(req))

	req.Header.Set("Origin", "http://beta.solace.app")
	assert.False(t, hub.upgrader.CheckOrigin(req))

	openHub := NewHub(nil, []string{"*"})
	req.Header.Set("Origin", "https://anything.example")
	assert.True(t, openHub.upgrader.CheckOrigin(req))
}
