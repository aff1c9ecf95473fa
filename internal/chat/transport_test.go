package chat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// wsTestServer upgrades, sends the connected handshake and hands the
// connection to the scenario func.
func wsTestServer(t *testing.T, scenario func(conn *websocket.Conn)) (url string, cleanup func()) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		frame, _ := EncodeEvent(EventConnected, ConnectedEvent{Message: "welcome", UserID: "me"})
		conn.WriteMessage(websocket.TextMessage, frame)
		scenario(conn)
	}))
	return "ws" + strings.TrimPrefix(server.URL, "http"), server.Close
}

func testTransportOpts() TransportOptions {
	return TransportOptions{
		ConnectTimeout:    2 * time.Second,
		ReconnectAttempts: 3,
		ReconnectBaseWait: 10 * time.Millisecond,
	}
}

func awaitEvent(t *testing.T, tr Transport, match func(ServerEvent) bool) ServerEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-tr.Events():
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("expected event never arrived")
			return nil
		}
	}
}

func TestWSTransport_ConnectAndReceive(t *testing.T) {
	url, cleanup := wsTestServer(t, func(conn *websocket.Conn) {
		frame, _ := EncodeEvent(EventUserTyping, UserTypingEvent{UserID: "u2", IsTyping: true})
		conn.WriteMessage(websocket.TextMessage, frame)
		// hold the connection open
		conn.ReadMessage()
	})
	defer cleanup()

	tr := NewWSTransport(url, testTransportOpts())
	defer tr.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tr.Connect(ctx, "tok"))
	assert.True(t, tr.IsConnected())

	hello := awaitEvent(t, tr, func(ev ServerEvent) bool { _, ok := ev.(ConnectedEvent); return ok })
	assert.Equal(t, "me", hello.(ConnectedEvent).UserID)

	typing := awaitEvent(t, tr, func(ev ServerEvent) bool { _, ok := ev.(UserTypingEvent); return ok })
	assert.True(t, typing.(UserTypingEvent).IsTyping)

	// second Connect on a live transport is a no-op
	require.NoError(t, tr.Connect(ctx, "tok"))
}

func TestWSTransport_EmitReachesServer(t *testing.T) {
	frames := make(chan []byte, 1)
	url, cleanup := wsTestServer(t, func(conn *websocket.Conn) {
		_, frame, err := conn.ReadMessage()
		if err == nil {
			frames <- frame
		}
	})
	defer cleanup()

	tr := NewWSTransport(url, testTransportOpts())
	defer tr.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tr.Connect(ctx, "tok"))

	require.NoError(t, tr.Emit(EventJoinRoom, JoinRoomPayload{RoomID: "r1"}))

	select {
	case frame := <-frames:
		assert.Contains(t, string(frame), `"event":"joinRoom"`)
		assert.Contains(t, string(frame), `"roomId":"r1"`)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the frame")
	}
}

func TestWSTransport_EmitWithoutConnection(t *testing.T) {
	tr := NewWSTransport("ws://127.0.0.1:1/ws", testTransportOpts())
	err := tr.Emit(EventTyping, TypingPayload{RoomID: "r1", IsTyping: true})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestWSTransport_RejectedToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
	}))
	defer server.Close()

	tr := NewWSTransport("ws"+strings.TrimPrefix(server.URL, "http"), testTransportOpts())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := tr.Connect(ctx, "stale")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.False(t, tr.IsConnected())
}

func TestWSTransport_DisconnectIdempotent(t *testing.T) {
	url, cleanup := wsTestServer(t, func(conn *websocket.Conn) { conn.ReadMessage() })
	defer cleanup()

	tr := NewWSTransport(url, testTransportOpts())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tr.Connect(ctx, "tok"))

	require.NoError(t, tr.Disconnect())
	require.NoError(t, tr.Disconnect())
	assert.False(t, tr.IsConnected())
	assert.ErrorIs(t, tr.Emit(EventTyping, TypingPayload{}), ErrNotConnected)
}

func TestWSTransport_BackoffWaitIsCapped(t *testing.T) {
	tr := NewWSTransport("ws://127.0.0.1:1/ws", TransportOptions{
		ReconnectBaseWait: time.Second,
		ReconnectAttempts: 64,
	})

	assert.Equal(t, time.Second, tr.backoffWait(0))
	assert.Equal(t, 8*time.Second, tr.backoffWait(3))

	// large attempt budgets must never shift into a negative wait
	for attempt := 0; attempt < 64; attempt++ {
		wait := tr.backoffWait(attempt)
		assert.Greater(t, wait, time.Duration(0), "attempt %d", attempt)
		assert.LessOrEqual(t, wait, maxReconnectWait, "attempt %d", attempt)
	}
}

func TestWSTransport_AutoReconnect(t *testing.T) {
	connections := make(chan struct{}, 4)
	url, cleanup := wsTestServer(t, func(conn *websocket.Conn) {
		select {
		case connections <- struct{}{}:
		default:
		}
		if len(connections) == 1 {
			// first connection drops right after the handshake
			conn.Close()
			return
		}
		conn.ReadMessage()
	})
	defer cleanup()

	tr := NewWSTransport(url, testTransportOpts())
	defer tr.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tr.Connect(ctx, "tok"))

	awaitEvent(t, tr, func(ev ServerEvent) bool { _, ok := ev.(DisconnectedEvent); return ok })
	awaitEvent(t, tr, func(ev ServerEvent) bool { _, ok := ev.(ReconnectedEvent); return ok })
	assert.True(t, tr.IsConnected())
}
