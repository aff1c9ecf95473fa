package chat

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"trailchat/internal/common"
)

// SessionState is the room session's connection lifecycle
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected // transport up, room not joined
	StateJoined
	StateClosed
)

func (st SessionState) String() string {
	switch st {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Snapshot is the read-only view of a room session handed to observers.
// Mutating it has no effect on the session.
type Snapshot struct {
	RoomID   string
	State    SessionState
	Messages []Message
	Typing   []string // user ids currently typing, sorted
	Joining  bool
	Sending  bool
	Error    string // transient error banner, empty when none
	Warning  string // uncertain-outcome banner, empty when none
}

// SessionOptions tunes the session's bounded waits
type SessionOptions struct {
	JoinTimeout    time.Duration
	SendAckTimeout time.Duration
}

type pendingSend struct {
	localID string
	emitted bool // false while a media upload is still in progress
	body    string
	kind    common.MessageKind
}

// commands posted into the run loop

type cmdOpen struct{ reply chan error }
type cmdSendText struct {
	content string
	reply   chan error
}
type cmdSendLocation struct {
	point GeoPoint
	reply chan error
}
type cmdReserveSend struct {
	msg   Message
	reply chan error
}
type cmdCompleteSend struct {
	localID string
	media   *MediaInfo
	reply   chan error
}
type cmdAbortSend struct{ localID string }
type cmdTyping struct{ isTyping bool }
type cmdMarkRead struct{ messageID string }
type cmdLeave struct{ reply chan struct{} }
type cmdSnapshot struct{ reply chan Snapshot }
type cmdSubscribe struct {
	ch    chan Snapshot
	reply chan struct{}
}
type cmdUnsubscribe struct{ ch chan Snapshot }

// RoomSession drives the join/leave protocol for one conversation and
// owns all of its observable state. Every field below the run-loop
// marker is touched only by the run goroutine; public methods
// rendezvous with the loop over the command channel, so rejections are
// synchronous for the caller.
type RoomSession struct {
	roomID    string
	userID    string
	token     string
	transport Transport
	uploader  Uploader
	opts      SessionOptions

	cmds      chan interface{}
	done      chan struct{}
	closeOnce sync.Once

	// run-loop owned state
	state          SessionState
	sync           *synchronizer
	typing         map[string]bool
	pending        *pendingSend
	unackedLocalID string
	joinWait       <-chan time.Time
	ackWait        <-chan time.Time
	joining        bool
	errText        string
	warning        string
	subs           map[chan Snapshot]bool
}

func newRoomSession(roomID, userID, token string, transport Transport, uploader Uploader, opts SessionOptions) *RoomSession {
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 60 * time.Second
	}
	if opts.SendAckTimeout <= 0 {
		opts.SendAckTimeout = 10 * time.Second
	}

	s := &RoomSession{
		roomID:    roomID,
		userID:    userID,
		token:     token,
		transport: transport,
		uploader:  uploader,
		opts:      opts,
		cmds:      make(chan interface{}),
		done:      make(chan struct{}),
		state:     StateConnected,
		sync:      newSynchronizer(userID),
		typing:    make(map[string]bool),
		subs:      make(map[chan Snapshot]bool),
	}
	go s.run()
	return s
}

// RoomID returns the conversation this session is bound to
func (s *RoomSession) RoomID() string {
	return s.roomID
}

// Open requests room membership. Re-opening an already-joined room is a
// no-op apart from clearing stale banners; no duplicate join is sent.
func (s *RoomSession) Open() error {
	reply := make(chan error, 1)
	if err := s.post(cmdOpen{reply: reply}); err != nil {
		return err
	}
	return s.await(reply)
}

// SendText sends a text message. A second send while one is in flight
// is rejected with ErrAlreadySending, never queued.
func (s *RoomSession) SendText(content string) error {
	reply := make(chan error, 1)
	if err := s.post(cmdSendText{content: content, reply: reply}); err != nil {
		return err
	}
	return s.await(reply)
}

// SendLocation shares a geo point as a location message
func (s *RoomSession) SendLocation(point GeoPoint) error {
	reply := make(chan error, 1)
	if err := s.post(cmdSendLocation{point: point, reply: reply}); err != nil {
		return err
	}
	return s.await(reply)
}

// SendMedia uploads the attachment first and only emits the message
// event on upload success. The in-flight slot is reserved before the
// upload starts, so a competing send is rejected immediately.
func (s *RoomSession) SendMedia(ctx context.Context, kind common.MessageKind, up MediaUpload) error {
	if !kind.IsMedia() {
		return ErrNotMediaKind
	}

	placeholder := Message{
		ID:        newLocalID(),
		RoomID:    s.roomID,
		SenderID:  s.userID,
		Kind:      kind,
		Body:      up.Filename,
		CreatedAt: time.Now(),
		Status:    StatusSending,
		Mine:      true,
	}

	reply := make(chan error, 1)
	if err := s.post(cmdReserveSend{msg: placeholder, reply: reply}); err != nil {
		return err
	}
	if err := s.await(reply); err != nil {
		return err
	}

	info, err := s.uploader.Upload(ctx, s.token, up)
	if err != nil {
		s.post(cmdAbortSend{localID: placeholder.ID})
		return fmt.Errorf("media upload: %w", err)
	}

	reply = make(chan error, 1)
	if err := s.post(cmdCompleteSend{localID: placeholder.ID, media: info, reply: reply}); err != nil {
		return err
	}
	return s.await(reply)
}

// SetTyping propagates a typing indicator, best effort
func (s *RoomSession) SetTyping(isTyping bool) {
	s.post(cmdTyping{isTyping: isTyping})
}

// MarkRead propagates a read receipt, best effort
func (s *RoomSession) MarkRead(messageID string) {
	s.post(cmdMarkRead{messageID: messageID})
}

// Leave exits the room: pending timeouts are canceled, typing and
// banner state cleared, the accumulated message list preserved.
func (s *RoomSession) Leave() {
	reply := make(chan struct{}, 1)
	if err := s.post(cmdLeave{reply: reply}); err != nil {
		return
	}
	select {
	case <-reply:
	case <-s.done:
	}
}

// Close leaves the room and stops the session for good
func (s *RoomSession) Close() {
	s.Leave()
	s.closeOnce.Do(func() { close(s.done) })
}

// Snapshot returns the current observable state
func (s *RoomSession) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	if err := s.post(cmdSnapshot{reply: reply}); err != nil {
		return Snapshot{RoomID: s.roomID, State: StateClosed}
	}
	select {
	case snap := <-reply:
		return snap
	case <-s.done:
		return Snapshot{RoomID: s.roomID, State: StateClosed}
	}
}

// Subscribe registers an observer. The channel always holds the latest
// snapshot; slow readers never block the session. The returned cancel
// func unregisters.
func (s *RoomSession) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	reply := make(chan struct{}, 1)
	if err := s.post(cmdSubscribe{ch: ch, reply: reply}); err != nil {
		close(ch)
		return ch, func() {}
	}
	select {
	case <-reply:
	case <-s.done:
	}
	return ch, func() { s.post(cmdUnsubscribe{ch: ch}) }
}

func (s *RoomSession) post(cmd interface{}) error {
	select {
	case s.cmds <- cmd:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *RoomSession) await(reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *RoomSession) run() {
	events := s.transport.Events()
	for {
		select {
		case <-s.done:
			for ch := range s.subs {
				close(ch)
			}
			return
		case cmd := <-s.cmds:
			s.handleCommand(cmd)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.handleEvent(ev)
		case <-s.joinWait:
			s.joinWait = nil
			s.joining = false
			s.warning = WarnJoinUnconfirmed
			s.publish()
		case <-s.ackWait:
			s.ackWait = nil
			if s.pending != nil {
				// Timeout ambiguity: the send may still have succeeded
				// server-side, so keep the placeholder around for the
				// live-push path to reconcile.
				s.unackedLocalID = s.pending.localID
				s.pending = nil
				s.warning = WarnSendUnconfirmed
			}
			s.publish()
		}
	}
}

func (s *RoomSession) handleCommand(cmd interface{}) {
	switch c := cmd.(type) {
	case cmdOpen:
		s.handleOpen(c)
	case cmdSendText:
		payload := SendMessagePayload{
			RoomID:  s.roomID,
			Type:    common.KindText.String(),
			Content: c.content,
		}
		c.reply <- s.startSend(common.KindText, c.content, payload)
	case cmdSendLocation:
		payload := SendMessagePayload{
			RoomID:    s.roomID,
			Type:      common.KindLocation.String(),
			Latitude:  c.point.Latitude,
			Longitude: c.point.Longitude,
			Label:     c.point.Label,
		}
		c.reply <- s.startSend(common.KindLocation, c.point.Label, payload)
	case cmdReserveSend:
		c.reply <- s.reserveSend(c.msg)
	case cmdCompleteSend:
		c.reply <- s.completeSend(c.localID, c.media)
	case cmdAbortSend:
		if s.pending != nil && s.pending.localID == c.localID && !s.pending.emitted {
			s.sync.Remove(c.localID)
			s.pending = nil
			s.publish()
		}
	case cmdTyping:
		if err := s.transport.Emit(EventTyping, TypingPayload{RoomID: s.roomID, IsTyping: c.isTyping}); err != nil {
			log.Printf("[session %s] typing signal dropped: %v", s.roomID, err)
		}
	case cmdMarkRead:
		if err := s.transport.Emit(EventMarkAsRead, MarkAsReadPayload{MessageID: c.messageID, RoomID: s.roomID}); err != nil {
			log.Printf("[session %s] read receipt dropped: %v", s.roomID, err)
		}
	case cmdLeave:
		s.handleLeave()
		c.reply <- struct{}{}
	case cmdSnapshot:
		c.reply <- s.snapshot()
	case cmdSubscribe:
		s.subs[c.ch] = true
		pushLatest(c.ch, s.snapshot())
		c.reply <- struct{}{}
	case cmdUnsubscribe:
		if s.subs[c.ch] {
			delete(s.subs, c.ch)
			close(c.ch)
		}
	}
}

func (s *RoomSession) handleOpen(c cmdOpen) {
	// Per-open transient state is re-cleared even when the open is a
	// no-op, so the UI never shows a previous visit's banners.
	s.errText = ""
	s.warning = ""

	if s.state == StateJoined {
		c.reply <- nil
		s.publish()
		return
	}
	if !s.transport.IsConnected() {
		s.state = StateDisconnected
		c.reply <- ErrNotConnected
		s.publish()
		return
	}

	s.state = StateConnected
	if err := s.transport.Emit(EventJoinRoom, JoinRoomPayload{RoomID: s.roomID}); err != nil {
		c.reply <- err
		s.publish()
		return
	}
	s.joining = true
	s.joinWait = time.After(s.opts.JoinTimeout)
	c.reply <- nil
	s.publish()
}

// startSend runs the full reserve-and-emit cycle for payloads that need
// no upload.
func (s *RoomSession) startSend(kind common.MessageKind, body string, payload SendMessagePayload) error {
	msg := Message{
		ID:        newLocalID(),
		RoomID:    s.roomID,
		SenderID:  s.userID,
		Kind:      kind,
		Body:      body,
		CreatedAt: time.Now(),
		Status:    StatusSending,
		Mine:      true,
	}
	if kind == common.KindLocation {
		msg.Location = &GeoPoint{Latitude: payload.Latitude, Longitude: payload.Longitude, Label: payload.Label}
	}

	if err := s.reserveSend(msg); err != nil {
		return err
	}
	return s.emitSend(payload)
}

func (s *RoomSession) reserveSend(msg Message) error {
	if s.pending != nil {
		return ErrAlreadySending
	}
	if !s.transport.IsConnected() {
		return ErrNotConnected
	}

	s.sync.Merge(msg)
	s.pending = &pendingSend{localID: msg.ID, body: msg.Body, kind: msg.Kind}
	s.publish()
	return nil
}

func (s *RoomSession) completeSend(localID string, media *MediaInfo) error {
	if s.pending == nil || s.pending.localID != localID {
		// Reservation was cleared by a leave while the upload ran.
		s.sync.Remove(localID)
		return ErrSendCanceled
	}

	s.sync.SetMedia(localID, media)

	payload := SendMessagePayload{
		RoomID:   s.roomID,
		Type:     s.pending.kind.String(),
		MediaURL: media.URL,
		MimeType: media.MimeType,
		Size:     media.Size,
		Duration: media.Duration,
	}
	return s.emitSend(payload)
}

func (s *RoomSession) emitSend(payload SendMessagePayload) error {
	if err := s.transport.Emit(EventSendMessage, payload); err != nil {
		s.sync.Remove(s.pending.localID)
		s.pending = nil
		s.publish()
		return err
	}
	s.pending.emitted = true
	s.warning = ""
	s.ackWait = time.After(s.opts.SendAckTimeout)
	s.publish()
	return nil
}

func (s *RoomSession) handleLeave() {
	if s.state == StateJoined || s.joining {
		if err := s.transport.Emit(EventLeaveRoom, LeaveRoomPayload{RoomID: s.roomID}); err != nil {
			log.Printf("[session %s] leave signal dropped: %v", s.roomID, err)
		}
	}

	// Cancel outstanding waits so no stale timeout mutates state after
	// the leave completes.
	s.joinWait = nil
	s.ackWait = nil
	s.joining = false

	if s.pending != nil {
		if s.pending.emitted {
			// Outcome unknown; keep the placeholder for live-push
			// reconciliation instead of claiming failure.
			s.unackedLocalID = s.pending.localID
		} else {
			s.sync.Remove(s.pending.localID)
		}
		s.pending = nil
	}

	s.typing = make(map[string]bool)
	s.errText = ""
	s.warning = ""
	if s.transport.IsConnected() {
		s.state = StateConnected
	} else {
		s.state = StateDisconnected
	}
	s.publish()
}

func (s *RoomSession) handleEvent(ev ServerEvent) {
	switch e := ev.(type) {
	case ConnectedEvent:
		// Identity comes from the credential store; nothing to do.
	case JoinedRoomEvent:
		if e.RoomID != s.roomID {
			return
		}
		s.joinWait = nil
		s.joining = false
		s.state = StateJoined
		s.errText = ""
		s.warning = ""
		s.sync.SetSnapshot(e.Messages)
		s.publish()
	case ReceiveMessageEvent:
		if e.RoomID != s.roomID {
			return
		}
		s.handlePush(e.Message)
	case MessageSentEvent:
		s.handleSendAck(e)
	case UserTypingEvent:
		if e.UserID == s.userID {
			return
		}
		if e.IsTyping {
			s.typing[e.UserID] = true
		} else {
			delete(s.typing, e.UserID)
		}
		s.publish()
	case MessageReadEvent:
		if msg, ok := s.sync.Get(e.MessageID); ok && msg.Mine {
			s.sync.SetStatus(e.MessageID, StatusRead)
			s.publish()
		}
	case ErrorEvent:
		// Server-reported protocol error: surfaced verbatim, connection
		// state untouched.
		s.errText = e.Message
		s.joining = false
		s.joinWait = nil
		s.publish()
	case DisconnectedEvent:
		s.errText = "connection lost, retrying"
		s.joining = false
		s.joinWait = nil
		if s.state == StateJoined || s.state == StateConnected {
			s.state = StateConnecting
		}
		s.publish()
	case ReconnectedEvent:
		// Connection state is not room membership: re-join explicitly.
		s.errText = ""
		s.state = StateConnected
		if err := s.transport.Emit(EventJoinRoom, JoinRoomPayload{RoomID: s.roomID}); err != nil {
			s.errText = "rejoin failed"
			s.publish()
			return
		}
		s.joining = true
		s.joinWait = time.After(s.opts.JoinTimeout)
		s.publish()
	}
}

func (s *RoomSession) handlePush(rec WireMessage) {
	msg := fromWire(rec, s.userID)

	if !s.sync.Merge(msg) {
		return // duplicate id, idempotent merge
	}

	// An own message arriving by live push may be the authoritative
	// copy of an optimistic placeholder whose ack is still outstanding
	// (or never came). Absorb the placeholder so it appears once.
	if msg.Mine {
		if s.pending != nil && s.pending.emitted && s.pending.body == msg.Body && s.pending.kind == msg.Kind {
			// The echo is the authoritative copy of the in-flight send:
			// it doubles as confirmation, so the ack timer is disarmed
			// and the in-flight slot released.
			s.sync.Remove(s.pending.localID)
			s.pending = nil
			s.ackWait = nil
		} else if s.unackedLocalID != "" {
			if ph, ok := s.sync.Get(s.unackedLocalID); ok && ph.Body == msg.Body && ph.Kind == msg.Kind {
				s.sync.Remove(s.unackedLocalID)
				s.unackedLocalID = ""
				s.warning = ""
			}
		}
	}
	s.publish()
}

func (s *RoomSession) handleSendAck(e MessageSentEvent) {
	status := StatusSent
	if !e.Success {
		status = StatusFailed
		s.errText = "message failed to send"
	}

	switch {
	case s.unackedLocalID != "":
		// Acks arrive in emission order on the connection, so a late
		// ack settles the timed-out send before the current in-flight
		// one. The in-flight send's ack timer stays armed.
		s.sync.ReplaceID(s.unackedLocalID, e.MessageID, status)
		s.unackedLocalID = ""
		s.warning = ""
	case s.pending != nil && s.pending.emitted:
		s.ackWait = nil
		s.sync.ReplaceID(s.pending.localID, e.MessageID, status)
		s.pending = nil
	default:
		// Placeholder already absorbed by the live-push echo (or the
		// reservation has not emitted yet); only the delivery status of
		// the acked message is settled.
		s.sync.SetStatus(e.MessageID, status)
	}
	s.publish()
}

func (s *RoomSession) snapshot() Snapshot {
	typing := make([]string, 0, len(s.typing))
	for userID := range s.typing {
		typing = append(typing, userID)
	}
	sort.Strings(typing)

	return Snapshot{
		RoomID:   s.roomID,
		State:    s.state,
		Messages: s.sync.Messages(),
		Typing:   typing,
		Joining:  s.joining,
		Sending:  s.pending != nil,
		Error:    s.errText,
		Warning:  s.warning,
	}
}

func (s *RoomSession) publish() {
	if len(s.subs) == 0 {
		return
	}
	snap := s.snapshot()
	for ch := range s.subs {
		pushLatest(ch, snap)
	}
}

// pushLatest delivers a snapshot without blocking, displacing a stale
// unread one if the observer is behind.
func pushLatest(ch chan Snapshot, snap Snapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
