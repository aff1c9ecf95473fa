package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailchat/internal/common"
)

// fakeTransport is a scripted in-process Transport: tests push inbound
// events and inspect recorded emissions.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	emitErr   error
	emitted   []emitRecord
	events    chan ServerEvent
}

type emitRecord struct {
	event   string
	payload interface{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		connected: true,
		events:    make(chan ServerEvent, 32),
	}
}

func (f *fakeTransport) Connect(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeTransport) Emit(event string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	if !f.connected {
		return ErrNotConnected
	}
	f.emitted = append(f.emitted, emitRecord{event: event, payload: payload})
	return nil
}

func (f *fakeTransport) Events() <-chan ServerEvent { return f.events }

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) push(ev ServerEvent) { f.events <- ev }

func (f *fakeTransport) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, rec := range f.emitted {
		if rec.event == event {
			n++
		}
	}
	return n
}

func (f *fakeTransport) last(event string) (emitRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.emitted) - 1; i >= 0; i-- {
		if f.emitted[i].event == event {
			return f.emitted[i], true
		}
	}
	return emitRecord{}, false
}

type uploaderFunc func(ctx context.Context, token string, up MediaUpload) (*MediaInfo, error)

func (fn uploaderFunc) Upload(ctx context.Context, token string, up MediaUpload) (*MediaInfo, error) {
	return fn(ctx, token, up)
}

func testSession(t *testing.T, ft *fakeTransport, uploader Uploader, opts SessionOptions) *RoomSession {
	t.Helper()
	if opts.JoinTimeout == 0 {
		opts.JoinTimeout = time.Second
	}
	if opts.SendAckTimeout == 0 {
		opts.SendAckTimeout = time.Second
	}
	s := newRoomSession("r1", "me", "tok", ft, uploader, opts)
	t.Cleanup(s.Close)
	return s
}

func eventually(t *testing.T, s *RoomSession, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	var last Snapshot
	require.Eventually(t, func() bool {
		last = s.Snapshot()
		return cond(last)
	}, 2*time.Second, 5*time.Millisecond)
	return last
}

func joinWithSnapshot(t *testing.T, ft *fakeTransport, s *RoomSession, records ...WireMessage) {
	t.Helper()
	require.NoError(t, s.Open())
	ft.push(JoinedRoomEvent{RoomID: "r1", Messages: records})
	eventually(t, s, func(snap Snapshot) bool { return snap.State == StateJoined })
}

func TestSession_JoinDeliversOrderedSnapshot(t *testing.T) {
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	ft := newFakeTransport()
	s := testSession(t, ft, nil, SessionOptions{})

	joinWithSnapshot(t, ft, s, wireText("a", "r1", "u2", "first", base.Add(10*time.Second)))
	assert.Equal(t, 1, ft.count(EventJoinRoom))

	ft.push(ReceiveMessageEvent{RoomID: "r1", Message: wireText("b", "r1", "u2", "earlier", base.Add(5*time.Second))})

	snap := eventually(t, s, func(snap Snapshot) bool { return len(snap.Messages) == 2 })
	assert.Equal(t, "b", snap.Messages[0].ID)
	assert.Equal(t, "a", snap.Messages[1].ID)
}

func TestSession_ReopenIsIdempotent(t *testing.T) {
	ft := newFakeTransport()
	s := testSession(t, ft, nil, SessionOptions{})
	joinWithSnapshot(t, ft, s, wireText("a", "r1", "u2", "hi", time.Now()))

	// a stale server error is on screen
	ft.push(ErrorEvent{Message: "flaky"})
	eventually(t, s, func(snap Snapshot) bool { return snap.Error == "flaky" })

	require.NoError(t, s.Open())

	snap := eventually(t, s, func(snap Snapshot) bool { return snap.Error == "" })
	assert.Equal(t, StateJoined, snap.State)
	assert.Len(t, snap.Messages, 1, "re-open must not duplicate the snapshot merge")
	assert.Equal(t, 1, ft.count(EventJoinRoom), "re-open must not re-send join")
}

func TestSession_OpenWhileDisconnected(t *testing.T) {
	ft := newFakeTransport()
	ft.connected = false
	s := testSession(t, ft, nil, SessionOptions{})

	err := s.Open()
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, StateDisconnected, s.Snapshot().State)
}

func TestSession_SecondSendRejectedSynchronously(t *testing.T) {
	ft := newFakeTransport()
	s := testSession(t, ft, nil, SessionOptions{})
	joinWithSnapshot(t, ft, s)

	require.NoError(t, s.SendText("hi"))
	err := s.SendText("hi again")
	assert.ErrorIs(t, err, ErrAlreadySending)
	assert.Equal(t, 1, ft.count(EventSendMessage), "no two concurrent sendMessage emissions")
}

func TestSession_SendAckReconcilesPlaceholder(t *testing.T) {
	ft := newFakeTransport()
	s := testSession(t, ft, nil, SessionOptions{})
	joinWithSnapshot(t, ft, s)

	require.NoError(t, s.SendText("made it to camp"))

	snap := s.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.True(t, snap.Messages[0].IsLocal())
	assert.Equal(t, StatusSending, snap.Messages[0].Status)
	assert.True(t, snap.Sending)

	ft.push(MessageSentEvent{MessageID: "srv-1", Success: true})

	snap = eventually(t, s, func(snap Snapshot) bool { return !snap.Sending })
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "srv-1", snap.Messages[0].ID)
	assert.Equal(t, StatusSent, snap.Messages[0].Status)
}

func TestSession_SendAckFailureMarksFailed(t *testing.T) {
	ft := newFakeTransport()
	s := testSession(t, ft, nil, SessionOptions{})
	joinWithSnapshot(t, ft, s)

	require.NoError(t, s.SendText("hi"))
	ft.push(MessageSentEvent{MessageID: "srv-1", Success: false})

	snap := eventually(t, s, func(snap Snapshot) bool { return !snap.Sending })
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, StatusFailed, snap.Messages[0].Status)
	assert.NotEmpty(t, snap.Error)
}

func TestSession_SendTimeoutThenLivePush(t *testing.T) {
	ft := newFakeTransport()
	s := testSession(t, ft, nil, SessionOptions{SendAckTimeout: 30 * time.Millisecond})
	joinWithSnapshot(t, ft, s)

	require.NoError(t, s.SendText("hi"))

	// no ack arrives: in-flight clears and the uncertainty banner shows
	snap := eventually(t, s, func(snap Snapshot) bool { return !snap.Sending && snap.Warning != "" })
	assert.Equal(t, WarnSendUnconfirmed, snap.Warning)
	require.Len(t, snap.Messages, 1)
	assert.True(t, snap.Messages[0].IsLocal())

	// the message finally arrives by live push with a server id: it must
	// appear once, absorbing the placeholder and the banner
	ft.push(ReceiveMessageEvent{RoomID: "r1", Message: wireText("srv-9", "r1", "me", "hi", time.Now().UTC())})

	snap = eventually(t, s, func(snap Snapshot) bool { return snap.Warning == "" })
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "srv-9", snap.Messages[0].ID)

	// sends are unblocked again
	require.NoError(t, s.SendText("second"))
	ft.push(MessageSentEvent{MessageID: "srv-2", Success: true})
	snap = eventually(t, s, func(snap Snapshot) bool { return !snap.Sending })
	require.Len(t, snap.Messages, 2)
	for _, m := range snap.Messages {
		assert.False(t, m.IsLocal(), "placeholder %s should have been reconciled", m.ID)
	}
}

func TestSession_LateAckSettlesTimedOutSendFirst(t *testing.T) {
	ft := newFakeTransport()
	// wide enough that the second send's own ack timer cannot fire
	// while the late first ack is being asserted
	s := testSession(t, ft, nil, SessionOptions{SendAckTimeout: 150 * time.Millisecond})
	joinWithSnapshot(t, ft, s)

	require.NoError(t, s.SendText("first"))
	eventually(t, s, func(snap Snapshot) bool { return !snap.Sending && snap.Warning != "" })

	require.NoError(t, s.SendText("second"))

	// the ack for "first" straggles in while "second" is in flight;
	// acks arrive in emission order, so it belongs to "first"
	ft.push(MessageSentEvent{MessageID: "srv-1", Success: true})

	snap := eventually(t, s, func(snap Snapshot) bool {
		for _, m := range snap.Messages {
			if m.ID == "srv-1" {
				return true
			}
		}
		return false
	})
	require.Len(t, snap.Messages, 2)
	for _, m := range snap.Messages {
		switch m.Body {
		case "first":
			assert.Equal(t, "srv-1", m.ID)
			assert.Equal(t, StatusSent, m.Status)
		case "second":
			assert.True(t, m.IsLocal(), "the newer placeholder keeps its local id until its own ack")
		}
	}

	// the in-flight slot is still held by "second"
	assert.True(t, snap.Sending)
	assert.ErrorIs(t, s.SendText("third"), ErrAlreadySending)

	ft.push(MessageSentEvent{MessageID: "srv-2", Success: true})
	snap = eventually(t, s, func(snap Snapshot) bool { return !snap.Sending })
	for _, m := range snap.Messages {
		assert.False(t, m.IsLocal())
	}
}

func TestSession_StrayAckLeavesUnemittedReservationAlone(t *testing.T) {
	ft := newFakeTransport()
	release := make(chan struct{})
	uploader := uploaderFunc(func(ctx context.Context, token string, up MediaUpload) (*MediaInfo, error) {
		<-release
		return &MediaInfo{URL: "https://cdn/x.jpg", MimeType: "image/jpeg", Size: 1}, nil
	})
	s := testSession(t, ft, uploader, SessionOptions{})
	joinWithSnapshot(t, ft, s)

	done := make(chan error, 1)
	go func() {
		done <- s.SendMedia(context.Background(), common.KindImage, MediaUpload{
			Filename: "x.jpg",
			MimeType: "image/jpeg",
			Content:  strings.NewReader("x"),
		})
	}()
	eventually(t, s, func(snap Snapshot) bool { return snap.Sending })

	// nothing has been emitted yet, so this ack cannot belong to the
	// reservation and must not consume it
	ft.push(MessageSentEvent{MessageID: "srv-9", Success: true})
	time.Sleep(20 * time.Millisecond)
	snap := s.Snapshot()
	assert.True(t, snap.Sending)
	require.Len(t, snap.Messages, 1)
	assert.True(t, snap.Messages[0].IsLocal())

	close(release)
	require.NoError(t, <-done)

	ft.push(MessageSentEvent{MessageID: "srv-1", Success: true})
	snap = eventually(t, s, func(snap Snapshot) bool { return !snap.Sending })
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "srv-1", snap.Messages[0].ID)
}

func TestSession_EchoAbsorptionConfirmsSend(t *testing.T) {
	ft := newFakeTransport()
	s := testSession(t, ft, nil, SessionOptions{SendAckTimeout: 40 * time.Millisecond})
	joinWithSnapshot(t, ft, s)

	require.NoError(t, s.SendText("hi"))
	ft.push(ReceiveMessageEvent{RoomID: "r1", Message: wireText("srv-1", "r1", "me", "hi", time.Now().UTC())})

	// the absorbed echo doubles as confirmation: in-flight clears
	snap := eventually(t, s, func(snap Snapshot) bool { return !snap.Sending })
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "srv-1", snap.Messages[0].ID)

	// the ack may never arrive, yet no uncertainty banner appears after
	// the ack window
	time.Sleep(80 * time.Millisecond)
	snap = s.Snapshot()
	assert.Empty(t, snap.Warning)
	assert.False(t, snap.Sending)

	// and a new send is accepted immediately
	require.NoError(t, s.SendText("next"))
}

func TestSession_EchoBeforeAck(t *testing.T) {
	ft := newFakeTransport()
	s := testSession(t, ft, nil, SessionOptions{})
	joinWithSnapshot(t, ft, s)

	require.NoError(t, s.SendText("hi"))

	// live push echo lands before the ack
	ft.push(ReceiveMessageEvent{RoomID: "r1", Message: wireText("srv-1", "r1", "me", "hi", time.Now().UTC())})
	snap := eventually(t, s, func(snap Snapshot) bool { return len(snap.Messages) == 1 && !snap.Messages[0].IsLocal() })
	assert.Equal(t, "srv-1", snap.Messages[0].ID)

	// the late ack only upgrades the status
	ft.push(MessageSentEvent{MessageID: "srv-1", Success: true})
	snap = eventually(t, s, func(snap Snapshot) bool { return !snap.Sending })
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, StatusSent, snap.Messages[0].Status)
}

func TestSession_LeaveCancelsPendingTimeouts(t *testing.T) {
	ft := newFakeTransport()
	s := testSession(t, ft, nil, SessionOptions{SendAckTimeout: 40 * time.Millisecond})
	joinWithSnapshot(t, ft, s, wireText("a", "r1", "u2", "keep me", time.Now()))

	ft.push(UserTypingEvent{UserID: "u2", IsTyping: true})
	eventually(t, s, func(snap Snapshot) bool { return len(snap.Typing) == 1 })

	require.NoError(t, s.SendText("hi"))
	s.Leave()

	snap := s.Snapshot()
	assert.False(t, snap.Sending)
	assert.Empty(t, snap.Typing)
	assert.Empty(t, snap.Error)
	assert.Empty(t, snap.Warning)
	assert.Equal(t, StateConnected, snap.State)
	assert.Equal(t, 1, ft.count(EventLeaveRoom))
	// accumulated messages survive the leave
	assert.NotEmpty(t, snap.Messages)

	// the canceled ack timer must not mutate state after leave
	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, s.Snapshot().Warning, "stale timeout mutated state after leave")
}

func TestSession_TypingSetFollowsSignals(t *testing.T) {
	ft := newFakeTransport()
	s := testSession(t, ft, nil, SessionOptions{})
	joinWithSnapshot(t, ft, s)

	ft.push(UserTypingEvent{UserID: "u2", IsTyping: true})
	ft.push(UserTypingEvent{UserID: "u3", IsTyping: true})
	snap := eventually(t, s, func(snap Snapshot) bool { return len(snap.Typing) == 2 })
	assert.Equal(t, []string{"u2", "u3"}, snap.Typing)

	ft.push(UserTypingEvent{UserID: "u2", IsTyping: false})
	eventually(t, s, func(snap Snapshot) bool { return len(snap.Typing) == 1 })

	// own typing echoes are ignored
	ft.push(UserTypingEvent{UserID: "me", IsTyping: true})
	ft.push(UserTypingEvent{UserID: "u3", IsTyping: false})
	eventually(t, s, func(snap Snapshot) bool { return len(snap.Typing) == 0 })
}

func TestSession_TypingAndReadEmitBestEffort(t *testing.T) {
	ft := newFakeTransport()
	s := testSession(t, ft, nil, SessionOptions{})
	joinWithSnapshot(t, ft, s)

	s.SetTyping(true)
	s.MarkRead("m1")

	require.Eventually(t, func() bool {
		return ft.count(EventTyping) == 1 && ft.count(EventMarkAsRead) == 1
	}, time.Second, 5*time.Millisecond)

	rec, ok := ft.last(EventMarkAsRead)
	require.True(t, ok)
	payload := rec.payload.(MarkAsReadPayload)
	assert.Equal(t, "m1", payload.MessageID)
	assert.Equal(t, "r1", payload.RoomID)
}

func TestSession_ReadReceiptUpgradesOwnMessage(t *testing.T) {
	ft := newFakeTransport()
	s := testSession(t, ft, nil, SessionOptions{})
	joinWithSnapshot(t, ft, s, wireText("m1", "r1", "me", "mine", time.Now()))

	ft.push(MessageReadEvent{MessageID: "m1", UserID: "u2"})
	snap := eventually(t, s, func(snap Snapshot) bool { return snap.Messages[0].Status == StatusRead })
	assert.Equal(t, "m1", snap.Messages[0].ID)

	// receipts for unknown ids are ignored
	ft.push(MessageReadEvent{MessageID: "ghost", UserID: "u2"})
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, s.Snapshot().Messages, 1)
}

func TestSession_ServerErrorClearsJoiningOnly(t *testing.T) {
	ft := newFakeTransport()
	s := testSession(t, ft, nil, SessionOptions{})
	require.NoError(t, s.Open())

	assert.True(t, s.Snapshot().Joining)

	ft.push(ErrorEvent{Message: "room is members-only", StatusCode: 403})
	snap := eventually(t, s, func(snap Snapshot) bool { return !snap.Joining })
	assert.Equal(t, "room is members-only", snap.Error)
	assert.Equal(t, StateConnected, snap.State, "protocol errors must not change connection state")
}

func TestSession_ReconnectRejoinsRoom(t *testing.T) {
	ft := newFakeTransport()
	s := testSession(t, ft, nil, SessionOptions{})
	joinWithSnapshot(t, ft, s, wireText("a", "r1", "u2", "hi", time.Now()))

	ft.push(DisconnectedEvent{Err: errors.New("tunnel, no signal")})
	snap := eventually(t, s, func(snap Snapshot) bool { return snap.State == StateConnecting })
	assert.NotEmpty(t, snap.Error)
	assert.NotEmpty(t, snap.Messages, "history is retained across reconnects")

	ft.push(ReconnectedEvent{})
	eventually(t, s, func(snap Snapshot) bool { return snap.Joining })
	assert.Equal(t, 2, ft.count(EventJoinRoom), "reconnect must re-establish membership explicitly")

	ft.push(JoinedRoomEvent{RoomID: "r1", Messages: []WireMessage{wireText("a", "r1", "u2", "hi", time.Now())}})
	snap = eventually(t, s, func(snap Snapshot) bool { return snap.State == StateJoined })
	assert.Empty(t, snap.Error)
	assert.Len(t, snap.Messages, 1)
}

func TestSession_JoinTimeoutSurfacesWarning(t *testing.T) {
	ft := newFakeTransport()
	s := testSession(t, ft, nil, SessionOptions{JoinTimeout: 30 * time.Millisecond})
	require.NoError(t, s.Open())

	snap := eventually(t, s, func(snap Snapshot) bool { return !snap.Joining && snap.Warning != "" })
	assert.Equal(t, WarnJoinUnconfirmed, snap.Warning)
	assert.Equal(t, StateConnected, snap.State)
}

func TestSession_EventsForOtherRoomsIgnored(t *testing.T) {
	ft := newFakeTransport()
	s := testSession(t, ft, nil, SessionOptions{})
	joinWithSnapshot(t, ft, s)

	ft.push(ReceiveMessageEvent{RoomID: "r2", Message: wireText("x", "r2", "u2", "other room", time.Now())})
	ft.push(JoinedRoomEvent{RoomID: "r2", Messages: []WireMessage{wireText("y", "r2", "u2", "nope", time.Now())}})

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, s.Snapshot().Messages)
}

func TestSession_SendMedia_UploadFailureAbortsBeforeEmit(t *testing.T) {
	ft := newFakeTransport()
	uploader := uploaderFunc(func(ctx context.Context, token string, up MediaUpload) (*MediaInfo, error) {
		return nil, errors.New("bucket unavailable")
	})
	s := testSession(t, ft, uploader, SessionOptions{})
	joinWithSnapshot(t, ft, s)

	err := s.SendMedia(context.Background(), common.KindImage, MediaUpload{
		Filename: "summit.jpg",
		MimeType: "image/jpeg",
		Content:  strings.NewReader("fake-jpeg"),
	})
	require.Error(t, err)

	assert.Equal(t, 0, ft.count(EventSendMessage), "no socket event before upload success")
	snap := eventually(t, s, func(snap Snapshot) bool { return !snap.Sending })
	assert.Empty(t, snap.Messages, "aborted placeholder must be withdrawn")

	// the session survives the failed upload
	require.NoError(t, s.SendText("still works"))
}

func TestSession_SendMedia_Success(t *testing.T) {
	ft := newFakeTransport()
	uploader := uploaderFunc(func(ctx context.Context, token string, up MediaUpload) (*MediaInfo, error) {
		assert.Equal(t, "tok", token)
		return &MediaInfo{URL: "https://cdn/summit.jpg", MimeType: "image/jpeg", Size: 9}, nil
	})
	s := testSession(t, ft, uploader, SessionOptions{})
	joinWithSnapshot(t, ft, s)

	require.NoError(t, s.SendMedia(context.Background(), common.KindImage, MediaUpload{
		Filename: "summit.jpg",
		MimeType: "image/jpeg",
		Content:  strings.NewReader("fake-jpeg"),
	}))

	rec, ok := ft.last(EventSendMessage)
	require.True(t, ok)
	payload := rec.payload.(SendMessagePayload)
	assert.Equal(t, "image", payload.Type)
	assert.Equal(t, "https://cdn/summit.jpg", payload.MediaURL)

	ft.push(MessageSentEvent{MessageID: "srv-1", Success: true})
	snap := eventually(t, s, func(snap Snapshot) bool { return !snap.Sending })
	require.Len(t, snap.Messages, 1)
	require.NotNil(t, snap.Messages[0].Media)
	assert.Equal(t, "https://cdn/summit.jpg", snap.Messages[0].Media.URL)
}

func TestSession_SendMedia_RejectsNonMediaKind(t *testing.T) {
	ft := newFakeTransport()
	s := testSession(t, ft, nil, SessionOptions{})
	joinWithSnapshot(t, ft, s)

	err := s.SendMedia(context.Background(), common.KindText, MediaUpload{Filename: "x"})
	assert.ErrorIs(t, err, ErrNotMediaKind)
}

func TestSession_SendLocation(t *testing.T) {
	ft := newFakeTransport()
	s := testSession(t, ft, nil, SessionOptions{})
	joinWithSnapshot(t, ft, s)

	require.NoError(t, s.SendLocation(GeoPoint{Latitude: 47.37, Longitude: 8.54, Label: "Uetliberg"}))

	rec, ok := ft.last(EventSendMessage)
	require.True(t, ok)
	payload := rec.payload.(SendMessagePayload)
	assert.Equal(t, "location", payload.Type)
	assert.Equal(t, "Uetliberg", payload.Label)
}

func TestSession_ClosedSessionRejectsCalls(t *testing.T) {
	ft := newFakeTransport()
	s := testSession(t, ft, nil, SessionOptions{})
	joinWithSnapshot(t, ft, s)
	s.Close()

	assert.ErrorIs(t, s.SendText("hi"), ErrSessionClosed)
	assert.ErrorIs(t, s.Open(), ErrSessionClosed)
	assert.Equal(t, StateClosed, s.Snapshot().State)
}

func TestSession_SubscribeSeesLatestSnapshot(t *testing.T) {
	ft := newFakeTransport()
	s := testSession(t, ft, nil, SessionOptions{})

	updates, cancel := s.Subscribe()
	defer cancel()

	joinWithSnapshot(t, ft, s, wireText("a", "r1", "u2", "hi", time.Now()))

	require.Eventually(t, func() bool {
		select {
		case snap, ok := <-updates:
			return ok && snap.State == StateJoined && len(snap.Messages) == 1
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}
