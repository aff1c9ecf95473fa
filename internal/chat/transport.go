package chat

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait        = 5 * time.Second
	eventsBufferSize = 64
	maxReconnectWait = 2 * time.Minute
)

// Transport owns one persistent duplex event connection to the server.
// "connected" and "room joined" are two independent facts: the
// transport re-dials on its own after a drop, but consumers must
// re-establish room membership when they see ReconnectedEvent.
type Transport interface {
	// Connect dials and waits for the server's connected handshake,
	// bounded by ctx.
	Connect(ctx context.Context, token string) error
	// Disconnect tears the connection down. Idempotent; the instance is
	// not reusable afterwards.
	Disconnect() error
	// Emit sends a fire-and-forget event. Returns ErrNotConnected when
	// there is no live connection.
	Emit(event string, payload interface{}) error
	// Events is the decoded inbound event stream, including the
	// synthesized DisconnectedEvent/ReconnectedEvent markers.
	Events() <-chan ServerEvent
	IsConnected() bool
}

// WSTransport is the gorilla/websocket implementation of Transport.
type WSTransport struct {
	url               string
	connectTimeout    time.Duration
	reconnectAttempts int
	reconnectBaseWait time.Duration

	events chan ServerEvent
	done   chan struct{}

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	token     string
	closed    bool
}

// TransportOptions tunes dialing and reconnection
type TransportOptions struct {
	ConnectTimeout    time.Duration
	ReconnectAttempts int
	ReconnectBaseWait time.Duration
}

func NewWSTransport(url string, opts TransportOptions) *WSTransport {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 60 * time.Second
	}
	if opts.ReconnectAttempts <= 0 {
		opts.ReconnectAttempts = 5
	}
	if opts.ReconnectBaseWait <= 0 {
		opts.ReconnectBaseWait = time.Second
	}

	return &WSTransport{
		url:               url,
		connectTimeout:    opts.ConnectTimeout,
		reconnectAttempts: opts.ReconnectAttempts,
		reconnectBaseWait: opts.ReconnectBaseWait,
		events:            make(chan ServerEvent, eventsBufferSize),
		done:              make(chan struct{}),
	}
}

func (t *WSTransport) Connect(ctx context.Context, token string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrNotConnected
	}
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.token = token
	t.mu.Unlock()

	conn, hello, err := t.dial(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.mu.Unlock()

	t.deliver(hello)
	go t.run(conn)

	return nil
}

// dial establishes the websocket and waits for the connected handshake
// event, both bounded by ctx.
func (t *WSTransport) dial(ctx context.Context) (*websocket.Conn, ConnectedEvent, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+t.token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, t.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, ConnectedEvent{}, fmt.Errorf("%w: server rejected token", ErrNotAuthenticated)
		}
		return nil, ConnectedEvent{}, fmt.Errorf("dial %s: %w", t.url, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}

	// The server confirms the session with a connected event before
	// anything else is delivered.
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return nil, ConnectedEvent{}, fmt.Errorf("awaiting connected handshake: %w", err)
		}
		ev, err := DecodeServerEvent(frame)
		if err != nil {
			log.Printf("[transport] skipping undecodable frame during handshake: %v", err)
			continue
		}
		if hello, ok := ev.(ConnectedEvent); ok {
			conn.SetReadDeadline(time.Time{})
			return conn, hello, nil
		}
	}
}

// run pumps inbound frames and re-dials with bounded backoff when the
// connection drops.
func (t *WSTransport) run(conn *websocket.Conn) {
	for {
		err := t.readLoop(conn)

		t.mu.Lock()
		closed := t.closed
		t.conn = nil
		t.connected = false
		t.mu.Unlock()

		if closed {
			return
		}

		log.Printf("[transport] connection lost: %v", err)
		t.deliver(DisconnectedEvent{Err: err})

		conn = t.reconnect()
		if conn == nil {
			// Attempts exhausted; stays disconnected until the owner
			// tears the session down.
			return
		}

		t.mu.Lock()
		t.conn = conn
		t.connected = true
		t.mu.Unlock()

		t.deliver(ReconnectedEvent{})
	}
}

func (t *WSTransport) readLoop(conn *websocket.Conn) error {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		ev, err := DecodeServerEvent(frame)
		if err != nil {
			log.Printf("[transport] dropping frame: %v", err)
			continue
		}
		t.deliver(ev)
	}
}

func (t *WSTransport) reconnect() *websocket.Conn {
	for attempt := 0; attempt < t.reconnectAttempts; attempt++ {
		wait := t.backoffWait(attempt)
		select {
		case <-time.After(wait):
		case <-t.done:
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), t.connectTimeout)
		conn, _, err := t.dial(ctx)
		cancel()
		if err == nil {
			log.Printf("[transport] reconnected after %d attempt(s)", attempt+1)
			return conn
		}
		log.Printf("[transport] reconnect attempt %d/%d failed: %v", attempt+1, t.reconnectAttempts, err)
	}
	return nil
}

// backoffWait doubles the base per attempt, capped so a large attempt
// budget cannot shift the wait into a negative duration.
func (t *WSTransport) backoffWait(attempt int) time.Duration {
	wait := t.reconnectBaseWait << attempt
	if wait <= 0 || wait > maxReconnectWait {
		return maxReconnectWait
	}
	return wait
}

func (t *WSTransport) deliver(ev ServerEvent) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

func (t *WSTransport) Emit(event string, payload interface{}) error {
	frame, err := EncodeEvent(event, payload)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected || t.conn == nil {
		return ErrNotConnected
	}

	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *WSTransport) Events() <-chan ServerEvent {
	return t.events
}

func (t *WSTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *WSTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.connected = false
	close(t.done)
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	return nil
}
