package chatserver

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"trailchat/internal/chat"
)

const writeWait = 5 * time.Second

// Client is one connected websocket session
type Client struct {
	UserID string

	conn *websocket.Conn
	mu   sync.Mutex // gorilla allows a single concurrent writer
}

func NewServerClient(conn *websocket.Conn, userID string) *Client {
	return &Client{conn: conn, UserID: userID}
}

// Send frames and writes one event to this client
func (c *Client) Send(event string, payload interface{}) error {
	frame, err := chat.EncodeEvent(event, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// Hub tracks room membership and the retained in-memory history that
// backs join snapshots. History is not durable; the production backend
// owns persistence.
type Hub struct {
	mu      sync.RWMutex
	members map[string]map[*Client]bool
	history map[string][]chat.WireMessage
}

func NewHub() *Hub {
	return &Hub{
		members: make(map[string]map[*Client]bool),
		history: make(map[string][]chat.WireMessage),
	}
}

// Join adds the client to a room and returns the history snapshot
func (h *Hub) Join(roomID string, c *Client) []chat.WireMessage {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.members[roomID]
	if !ok {
		room = make(map[*Client]bool)
		h.members[roomID] = room
	}
	room[c] = true

	snapshot := make([]chat.WireMessage, len(h.history[roomID]))
	copy(snapshot, h.history[roomID])
	return snapshot
}

// Leave removes the client from one room
func (h *Hub) Leave(roomID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.members[roomID]; ok {
		delete(room, c)
	}
}

// LeaveAll removes the client from every room, used on disconnect
func (h *Hub) LeaveAll(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, room := range h.members {
		delete(room, c)
	}
}

// Append retains a message so later joins see it in their snapshot
func (h *Hub) Append(roomID string, msg chat.WireMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history[roomID] = append(h.history[roomID], msg)
}

// Broadcast delivers an event to every member of a room. The member
// list is snapshotted under the read lock so slow writes never hold it.
func (h *Hub) Broadcast(roomID, event string, payload interface{}, except *Client) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.members[roomID]))
	for member := range h.members[roomID] {
		if member == except {
			continue
		}
		targets = append(targets, member)
	}
	h.mu.RUnlock()

	for _, member := range targets {
		member.Send(event, payload)
	}
}
