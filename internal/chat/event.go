package chat

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire event names. The envelope is {"event": <name>, "data": <object>}
// in both directions.
const (
	// outbound (client -> server)
	EventJoinRoom    = "joinRoom"
	EventLeaveRoom   = "leaveRoom"
	EventSendMessage = "sendMessage"
	EventTyping      = "typing"
	EventMarkAsRead  = "markAsRead"

	// inbound (server -> client)
	EventConnected      = "connected"
	EventJoinedRoom     = "joinedRoom"
	EventReceiveMessage = "receiveMessage"
	EventMessageSent    = "messageSent"
	EventUserTyping     = "userTyping"
	EventMessageRead    = "messageRead"
	EventError          = "error"
)

// Envelope frames every event on the wire
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// WireMessage is the raw message record as the server ships it, both in
// join snapshots and in live pushes.
type WireMessage struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	SenderID  string    `json:"senderId,omitempty"`
	Type      string    `json:"type"`
	Content   string    `json:"content,omitempty"`
	MediaURL  string    `json:"mediaUrl,omitempty"`
	MimeType  string    `json:"mimeType,omitempty"`
	Size      int64     `json:"size,omitempty"`
	Duration  float64   `json:"duration,omitempty"`
	Latitude  float64   `json:"latitude,omitempty"`
	Longitude float64   `json:"longitude,omitempty"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Outbound payloads

type JoinRoomPayload struct {
	RoomID string `json:"roomId"`
}

type LeaveRoomPayload struct {
	RoomID string `json:"roomId"`
}

type SendMessagePayload struct {
	RoomID    string  `json:"roomId"`
	Type      string  `json:"type"`
	Content   string  `json:"content,omitempty"`
	MediaURL  string  `json:"mediaUrl,omitempty"`
	MimeType  string  `json:"mimeType,omitempty"`
	Size      int64   `json:"size,omitempty"`
	Duration  float64 `json:"duration,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	Label     string  `json:"label,omitempty"`
}

type TypingPayload struct {
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

type MarkAsReadPayload struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
}

// ServerEvent is the closed set of inbound event variants. Frames are
// decoded into this union at the transport boundary and dispatched by
// type switch, never by string-keyed handler tables.
type ServerEvent interface {
	serverEvent()
}

type ConnectedEvent struct {
	Message string `json:"message"`
	UserID  string `json:"userId"`
}

type JoinedRoomEvent struct {
	RoomID   string        `json:"roomId"`
	Messages []WireMessage `json:"messages"`
}

type ReceiveMessageEvent struct {
	RoomID  string      `json:"roomId"`
	Message WireMessage `json:"message"`
}

type MessageSentEvent struct {
	MessageID string `json:"messageId"`
	Success   bool   `json:"success"`
}

type UserTypingEvent struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type MessageReadEvent struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

type ErrorEvent struct {
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode,omitempty"`
}

// DisconnectedEvent is synthesized by the transport when the connection
// drops; it never appears on the wire.
type DisconnectedEvent struct {
	Err error `json:"-"`
}

// ReconnectedEvent is synthesized by the transport after a successful
// automatic re-dial. Connection state is not proof of room membership,
// so consumers must re-join on receipt.
type ReconnectedEvent struct{}

func (ConnectedEvent) serverEvent()      {}
func (JoinedRoomEvent) serverEvent()     {}
func (ReceiveMessageEvent) serverEvent() {}
func (MessageSentEvent) serverEvent()    {}
func (UserTypingEvent) serverEvent()     {}
func (MessageReadEvent) serverEvent()    {}
func (ErrorEvent) serverEvent()          {}
func (DisconnectedEvent) serverEvent()   {}
func (ReconnectedEvent) serverEvent()    {}

// EncodeEvent frames a payload into the wire envelope
func EncodeEvent(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// DecodeServerEvent parses one inbound frame into its union variant.
// Unknown event names are an error so callers can log and skip them.
func DecodeServerEvent(frame []byte) (ServerEvent, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var ev ServerEvent
	var err error
	switch env.Event {
	case EventConnected:
		var v ConnectedEvent
		err = unmarshalData(env, &v)
		ev = v
	case EventJoinedRoom:
		var v JoinedRoomEvent
		err = unmarshalData(env, &v)
		ev = v
	case EventReceiveMessage:
		var v ReceiveMessageEvent
		err = unmarshalData(env, &v)
		ev = v
	case EventMessageSent:
		var v MessageSentEvent
		err = unmarshalData(env, &v)
		ev = v
	case EventUserTyping:
		var v UserTypingEvent
		err = unmarshalData(env, &v)
		ev = v
	case EventMessageRead:
		var v MessageReadEvent
		err = unmarshalData(env, &v)
		ev = v
	case EventError:
		var v ErrorEvent
		err = unmarshalData(env, &v)
		ev = v
	default:
		return nil, fmt.Errorf("unknown event %q", env.Event)
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func unmarshalData(env Envelope, target interface{}) error {
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, target); err != nil {
		return fmt.Errorf("decode %s data: %w", env.Event, err)
	}
	return nil
}
