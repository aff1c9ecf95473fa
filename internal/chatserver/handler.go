package chatserver

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"trailchat/internal/chat"
	"trailchat/internal/common"
)

// Handler serves the realtime chat wire protocol over websockets
type Handler struct {
	hub      *Hub
	secret   []byte
	upgrader websocket.Upgrader
}

func New(secret []byte, allowedOrigins []string) *Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = true
	}

	return &Handler{
		hub:    NewHub(),
		secret: secret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Non-browser clients send no Origin header
				return origin == "" || allowed[origin]
			},
		},
	}
}

// Router wires the websocket and health endpoints
func (h *Handler) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/ws", h.HandleWebSocket).Methods("GET")
	router.HandleFunc("/health", h.HandleHealth).Methods("GET")
	return router
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// bearerToken pulls the token from the Authorization header or, for
// browser websocket clients that cannot set headers, the query string.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// HandleWebSocket handles GET /ws
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	claims, err := common.ValidToken(h.secret, token)
	if err != nil {
		log.Printf("[ws] rejected connection: %v", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}
	defer conn.Close()

	client := NewServerClient(conn, claims.UserID)
	defer h.hub.LeaveAll(client)

	log.Printf("[ws] user %s connected", claims.UserID)
	client.Send(chat.EventConnected, chat.ConnectedEvent{
		Message: "welcome to trailchat",
		UserID:  claims.UserID,
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[ws] user %s disconnected: %v", claims.UserID, err)
			return
		}

		var env chat.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			client.Send(chat.EventError, chat.ErrorEvent{Message: "invalid frame", StatusCode: http.StatusBadRequest})
			continue
		}
		h.dispatch(client, env)
	}
}

func (h *Handler) dispatch(client *Client, env chat.Envelope) {
	switch env.Event {
	case chat.EventJoinRoom:
		var payload chat.JoinRoomPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil || payload.RoomID == "" {
			client.Send(chat.EventError, chat.ErrorEvent{Message: "joinRoom requires roomId", StatusCode: http.StatusBadRequest})
			return
		}
		snapshot := h.hub.Join(payload.RoomID, client)
		client.Send(chat.EventJoinedRoom, chat.JoinedRoomEvent{RoomID: payload.RoomID, Messages: snapshot})

	case chat.EventLeaveRoom:
		var payload chat.LeaveRoomPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil || payload.RoomID == "" {
			return // best effort, nothing to report
		}
		h.hub.Leave(payload.RoomID, client)

	case chat.EventSendMessage:
		h.handleSend(client, env.Data)

	case chat.EventTyping:
		var payload chat.TypingPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil || payload.RoomID == "" {
			return
		}
		h.hub.Broadcast(payload.RoomID, chat.EventUserTyping, chat.UserTypingEvent{
			UserID:   client.UserID,
			IsTyping: payload.IsTyping,
		}, client)

	case chat.EventMarkAsRead:
		var payload chat.MarkAsReadPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil || payload.MessageID == "" {
			return
		}
		h.hub.Broadcast(payload.RoomID, chat.EventMessageRead, chat.MessageReadEvent{
			MessageID: payload.MessageID,
			UserID:    client.UserID,
		}, client)

	default:
		client.Send(chat.EventError, chat.ErrorEvent{
			Message:    "unknown event " + env.Event,
			StatusCode: http.StatusBadRequest,
		})
	}
}

func (h *Handler) handleSend(client *Client, data json.RawMessage) {
	var payload chat.SendMessagePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.RoomID == "" {
		client.Send(chat.EventError, chat.ErrorEvent{Message: "sendMessage requires roomId", StatusCode: http.StatusBadRequest})
		return
	}

	kind := common.NormalizeKind(payload.Type)
	if kind == common.KindText && payload.Content == "" {
		client.Send(chat.EventMessageSent, chat.MessageSentEvent{Success: false})
		return
	}

	msg := chat.WireMessage{
		ID:        uuid.NewString(),
		RoomID:    payload.RoomID,
		SenderID:  client.UserID,
		Type:      kind.String(),
		Content:   payload.Content,
		MediaURL:  payload.MediaURL,
		MimeType:  payload.MimeType,
		Size:      payload.Size,
		Duration:  payload.Duration,
		Latitude:  payload.Latitude,
		Longitude: payload.Longitude,
		Label:     payload.Label,
		CreatedAt: time.Now().UTC(),
	}

	h.hub.Append(msg.RoomID, msg)
	client.Send(chat.EventMessageSent, chat.MessageSentEvent{MessageID: msg.ID, Success: true})

	// Everyone in the room gets the live push, the sender included;
	// clients dedup the echo against their optimistic placeholder.
	h.hub.Broadcast(msg.RoomID, chat.EventReceiveMessage, chat.ReceiveMessageEvent{
		RoomID:  msg.RoomID,
		Message: msg,
	}, nil)
}
