package chat

import (
	"time"

	"github.com/google/uuid"

	"trailchat/internal/common"
)

// Status is the client-local delivery state of a message. It is
// advisory only and never persisted server-side.
type Status int

const (
	StatusSending Status = iota
	StatusSent
	StatusDelivered
	StatusRead
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Sender ids used when the wire record carries none.
const (
	SystemSenderID  = "system"
	UnknownSenderID = "unknown"
)

// MediaInfo describes an uploaded attachment
type MediaInfo struct {
	URL      string  `json:"url"`
	MimeType string  `json:"mime_type"`
	Size     int64   `json:"size"`
	Duration float64 `json:"duration,omitempty"` // seconds, audio/video only
}

// GeoPoint is the payload of a location message
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Label     string  `json:"label,omitempty"`
}

// Message is one entry in a room's visible list. Immutable once created
// except for Status.
type Message struct {
	ID        string
	RoomID    string
	SenderID  string
	Kind      common.MessageKind
	Body      string
	Media     *MediaInfo
	Location  *GeoPoint
	CreatedAt time.Time
	Status    Status

	// Mine marks self-authored messages for rendering only; it never
	// affects ordering or dedup.
	Mine bool
}

// localIDPrefix marks optimistic placeholder ids minted on this device
// before the server has assigned the authoritative id.
const localIDPrefix = "local-"

func newLocalID() string {
	return localIDPrefix + uuid.NewString()
}

// IsLocal reports whether the message still carries a client-side
// placeholder id.
func (m Message) IsLocal() bool {
	return len(m.ID) > len(localIDPrefix) && m.ID[:len(localIDPrefix)] == localIDPrefix
}

// fromWire maps a raw server record into the Message shape, resolving
// sender identity. A record without a sender is attributed to the
// system only when its kind is system; anything else gets the unknown
// placeholder rather than being dropped.
func fromWire(w WireMessage, currentUserID string) Message {
	kind := common.NormalizeKind(w.Type)

	senderID := w.SenderID
	if senderID == "" {
		if kind == common.KindSystem {
			senderID = SystemSenderID
		} else {
			senderID = UnknownSenderID
		}
	}

	msg := Message{
		ID:        w.ID,
		RoomID:    w.RoomID,
		SenderID:  senderID,
		Kind:      kind,
		Body:      w.Content,
		CreatedAt: w.CreatedAt,
		Status:    StatusDelivered,
		Mine:      currentUserID != "" && w.SenderID == currentUserID,
	}

	if w.MediaURL != "" {
		msg.Media = &MediaInfo{
			URL:      w.MediaURL,
			MimeType: w.MimeType,
			Size:     w.Size,
			Duration: w.Duration,
		}
	}
	if kind == common.KindLocation {
		msg.Location = &GeoPoint{
			Latitude:  w.Latitude,
			Longitude: w.Longitude,
			Label:     w.Label,
		}
	}

	return msg
}
