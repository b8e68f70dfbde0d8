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

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()

	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(payload, &msg))
	return msg
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()

	require.Eventually(t, func() bool {
		return hub.ClientCount() == want
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBroadcastReachesAllClients(t *testing.T) {
	hub, url := startHub(t)

	first := dial(t, url)
	second := dial(t, url)
	waitForClients(t, hub, 2)

	hub.Broadcast("audit_event", map[string]string{"action": "create_license"})

	for _, conn := range []*websocket.Conn{first, second} {
		msg := readMessage(t, conn)
		assert.Equal(t, "audit_event", msg.Type)

		data, ok := msg.Data.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "create_license", data["action"])
	}
}

func TestBroadcastSkipsUnmarshalableData(t *testing.T) {
	hub, url := startHub(t)

	conn := dial(t, url)
	waitForClients(t, hub, 1)

	// Channels cannot be marshaled; the frame must be dropped, not sent.
	hub.Broadcast("audit_event", make(chan int))
	hub.Broadcast("audit_event", map[string]string{"action": "after"})

	msg := readMessage(t, conn)
	data := msg.Data.(map[string]any)
	assert.Equal(t, "after", data["action"])
}

func TestClientDisconnectUnregisters(t *testing.T) {
	hub, url := startHub(t)

	conn := dial(t, url)
	waitForClients(t, hub, 1)

	conn.Close()
	waitForClients(t, hub, 0)
}

func TestRunShutdownClosesClients(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	waitForClients(t, hub, 1)

	cancel()
	<-done

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, hub.ClientCount())
}
