package chat

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"trailchat/internal/config"
)

// Client is the engine façade the app talks to. It owns the single
// shared transport for one logical user session and enforces the
// single-active-room rule: opening a new room leaves the previous one.
type Client struct {
	cfg       config.ChatConfig
	transport Transport
	creds     CredentialStore
	uploader  Uploader
	history   HistoryService

	mu     sync.Mutex
	active *RoomSession
}

func NewClient(transport Transport, creds CredentialStore, uploader Uploader, history HistoryService, cfg config.ChatConfig) *Client {
	return &Client{
		cfg:       cfg,
		transport: transport,
		creds:     creds,
		uploader:  uploader,
		history:   history,
	}
}

// OpenRoom connects the transport if needed and joins the room. When
// the requested room is already the active one, its session is reused
// and re-opened, which repeats no join side effects.
func (c *Client) OpenRoom(ctx context.Context, roomID string) (*RoomSession, error) {
	token, err := c.creds.Token()
	if err != nil {
		return nil, err
	}
	userID, err := c.creds.UserID()
	if err != nil {
		return nil, err
	}

	if !c.transport.IsConnected() {
		connectCtx := ctx
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			connectCtx, cancel = context.WithTimeout(ctx, c.connectTimeout())
			defer cancel()
		}
		if err := c.transport.Connect(connectCtx, token); err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
	}

	c.mu.Lock()
	if c.active != nil && c.active.RoomID() == roomID {
		session := c.active
		c.mu.Unlock()
		return session, session.Open()
	}
	if c.active != nil {
		// Single active room: switching rooms leaves the old one and
		// tears its session down while the lock is held, so a
		// concurrent open cannot install a competing session in
		// between. Session teardown never calls back into the client,
		// holding the lock across it is safe. The old room's history
		// lives on the server; re-opening it later starts from a fresh
		// snapshot.
		old := c.active
		c.active = nil
		old.Close()
	}

	session := newRoomSession(roomID, userID, token, c.transport, c.uploader, SessionOptions{
		JoinTimeout:    c.cfg.JoinTimeout,
		SendAckTimeout: c.cfg.SendAckTimeout,
	})
	c.active = session
	c.mu.Unlock()

	return session, session.Open()
}

// ActiveSession returns the currently open room session, if any
func (c *Client) ActiveSession() *RoomSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// History fetches a page of older messages over REST, independent of
// the live channel.
func (c *Client) History(ctx context.Context, roomID string, before time.Time, limit int) (*HistoryPage, error) {
	if c.history == nil {
		return &HistoryPage{}, nil
	}
	return c.history.Fetch(ctx, roomID, before, limit)
}

// Logout tears down the active session and the transport. Message
// history held by the session is discarded.
func (c *Client) Logout() {
	c.mu.Lock()
	active := c.active
	c.active = nil
	c.mu.Unlock()

	if active != nil {
		active.Close()
	}
	if err := c.transport.Disconnect(); err != nil {
		log.Printf("[client] disconnect on logout: %v", err)
	}
}

func (c *Client) connectTimeout() time.Duration {
	if c.cfg.ConnectTimeout > 0 {
		return c.cfg.ConnectTimeout
	}
	return 60 * time.Second
}
