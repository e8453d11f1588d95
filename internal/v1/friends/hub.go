package friends

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/webcall-app/realtime/internal/v1/auth"
	"github.com/webcall-app/realtime/internal/v1/invites"
	"github.com/webcall-app/realtime/internal/v1/logging"
	"github.com/webcall-app/realtime/internal/v1/metrics"
)

// inboundFrame is the union of client-sent friends frames.
type inboundFrame struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId,omitempty"`
	ToUserID string `json:"toUserId,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// eventFrame is the generic server-sent event envelope. Every friendship,
// direct-message, and call event flows through it.
type eventFrame struct {
	Type          string          `json:"type"`
	RoomID        string          `json:"roomId,omitempty"`
	FromUserID    string          `json:"fromUserId,omitempty"`
	ToUserID      string          `json:"toUserId,omitempty"`
	FromUsername  string          `json:"fromUsername,omitempty"`
	FromEmail     string          `json:"fromEmail,omitempty"`
	WithUserID    string          `json:"withUserId,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     int64           `json:"createdAt,omitempty"`
	PendingReplay bool            `json:"pendingReplay,omitempty"`
}

// Friendship and direct-message event types pushed to clients.
const (
	EventFriendRequest   = "friend_request"
	EventFriendAccepted  = "friend_accepted"
	EventFriendCancelled = "friend_cancelled"
	EventFriendRemoved   = "friend_removed"
	EventDirectMessage   = "direct_message"
	EventDirectCleared   = "direct_cleared"
	EventCallEnd         = "call_end"
)

const defaultCallEndReason = "hangup"

// Hub is the per-user socket registry. It implements invites.EventPublisher
// so the invite service never depends on it directly.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*Client

	validator auth.TokenValidator
	invites   invites.Service

	allowGuest     bool
	allowedOrigins []string
}

type HubConfig struct {
	Validator      auth.TokenValidator
	Invites        invites.Service
	AllowGuest     bool
	AllowedOrigins string
}

func NewHub(cfg HubConfig) *Hub {
	h := &Hub{
		clients:    make(map[string]*Client),
		validator:  cfg.Validator,
		invites:    cfg.Invites,
		allowGuest: cfg.AllowGuest,
	}
	if cfg.AllowedOrigins != "" {
		for _, o := range strings.Split(cfg.AllowedOrigins, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				h.allowedOrigins = append(h.allowedOrigins, trimmed)
			}
		}
	}
	return h
}

// SetInvites breaks the bootstrap cycle: the invite service needs the hub as
// its publisher, the hub needs the service for pending replay.
func (h *Hub) SetInvites(svc invites.Service) {
	h.invites = svc
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// ServeWs upgrades the request into the user's friends socket.
func (h *Hub) ServeWs(c *gin.Context) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		WriteBufferPool: &sync.Pool{},
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "friends websocket upgrade failed", zap.Error(err))
		return
	}

	userID, ok := h.authenticate(c)
	if !ok {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseAuthRequired, "authentication required"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	client := newClient(conn, h, userID)
	h.register(client)
	metrics.IncConnection("friends")

	go client.writePump()
	go client.readPump()

	h.replayPending(c.Request.Context(), client)
}

func (h *Hub) authenticate(c *gin.Context) (string, bool) {
	token := c.Query("token")
	if token != "" {
		claims, err := h.validator.ValidateToken(token)
		if err == nil {
			return claims.UserID(), true
		}
		logging.Warn(c.Request.Context(), "friends token rejected", zap.Error(err))
		if !h.allowGuest {
			return "", false
		}
	} else if !h.allowGuest {
		return "", false
	}
	// Random suffix so guest tabs sharing an IP never supersede each other.
	return "guest-" + uuid.NewString()[:8], true
}

// register installs the socket as the user's sole channel, superseding any
// prior one with close code 4000.
func (h *Hub) register(c *Client) {
	h.mu.Lock()
	prev := h.clients[c.userID]
	h.clients[c.userID] = c
	h.mu.Unlock()

	if prev != nil && prev != c {
		prev.closeWith(CloseSuperseded)
	}
}

// unregister removes the socket unless it was already superseded.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if h.clients[c.userID] == c {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()
}

func (h *Hub) client(userID string) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients[userID]
}

// replayPending pushes the user's outstanding invites onto a fresh socket so
// an invite sent while they were offline is not lost.
func (h *Hub) replayPending(ctx context.Context, c *Client) {
	if h.invites == nil {
		return
	}
	pending, err := h.invites.ListPendingFor(ctx, c.userID)
	if err != nil {
		logging.Warn(ctx, "pending invite replay failed",
			zap.String("userId", c.userID), zap.Error(err))
		return
	}
	for _, inv := range pending {
		c.sendJSON(eventFrame{
			Type:          invites.EventInvite,
			RoomID:        inv.RoomID,
			FromUserID:    inv.FromUserID,
			ToUserID:      inv.ToUserID,
			FromUsername:  inv.FromUsername,
			FromEmail:     inv.FromEmail,
			CreatedAt:     inv.CreatedAt,
			PendingReplay: true,
		})
	}
}

func (h *Hub) route(c *Client, data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}

	switch frame.Type {
	case "ping":
		c.sendJSON(map[string]string{"type": "pong"})
	case EventCallEnd:
		reason := frame.Reason
		if reason == "" {
			reason = defaultCallEndReason
		}
		h.PublishCallEnd(frame.RoomID, c.userID, frame.ToUserID, reason)
	}
}

// deliver sends the frame to the user's socket when one is connected; absent
// or slow sockets simply miss the event.
func (h *Hub) deliver(userID string, frame eventFrame) {
	if userID == "" {
		return
	}
	if c := h.client(userID); c != nil {
		c.sendJSON(frame)
	}
}

// PublishCallEvent implements invites.EventPublisher: call lifecycle events
// reach both participants.
func (h *Hub) PublishCallEvent(_ context.Context, event string, inv invites.Invite) {
	frame := eventFrame{
		Type:         event,
		RoomID:       inv.RoomID,
		FromUserID:   inv.FromUserID,
		ToUserID:     inv.ToUserID,
		FromUsername: inv.FromUsername,
		FromEmail:    inv.FromEmail,
		CreatedAt:    inv.CreatedAt,
	}
	h.deliver(inv.FromUserID, frame)
	h.deliver(inv.ToUserID, frame)
	metrics.CallSignalEvents.WithLabelValues(event).Inc()
}

// PublishCallEnd broadcasts call teardown to both participants.
func (h *Hub) PublishCallEnd(roomID, fromUserID, toUserID, reason string) {
	frame := eventFrame{
		Type:       EventCallEnd,
		RoomID:     roomID,
		FromUserID: fromUserID,
		ToUserID:   toUserID,
		Reason:     reason,
	}
	h.deliver(fromUserID, frame)
	h.deliver(toUserID, frame)
	metrics.CallSignalEvents.WithLabelValues(EventCallEnd).Inc()
}

// Friendship events, called by the REST-layer collaborators when the friend
// graph changes.

func (h *Hub) PublishFriendRequest(toUserID, fromUserID, fromUsername string) {
	h.deliver(toUserID, eventFrame{
		Type: EventFriendRequest, FromUserID: fromUserID, FromUsername: fromUsername,
	})
}

func (h *Hub) PublishFriendAccepted(toUserID, fromUserID, fromUsername string) {
	h.deliver(toUserID, eventFrame{
		Type: EventFriendAccepted, FromUserID: fromUserID, FromUsername: fromUsername,
	})
}

func (h *Hub) PublishFriendCancelled(toUserID, fromUserID string) {
	h.deliver(toUserID, eventFrame{Type: EventFriendCancelled, FromUserID: fromUserID})
}

func (h *Hub) PublishFriendRemoved(toUserID, fromUserID string) {
	h.deliver(toUserID, eventFrame{Type: EventFriendRemoved, FromUserID: fromUserID})
}

// PublishDirectMessage forwards an opaque message payload; the content is
// encrypted upstream and never inspected here.
func (h *Hub) PublishDirectMessage(toUserID, fromUserID string, payload json.RawMessage) {
	h.deliver(toUserID, eventFrame{
		Type: EventDirectMessage, FromUserID: fromUserID, Payload: payload,
	})
}

func (h *Hub) PublishDirectCleared(toUserID, withUserID string) {
	h.deliver(toUserID, eventFrame{Type: EventDirectCleared, WithUserID: withUserID})
}

// Close shuts every socket down; used on graceful shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.closeWith(websocket.CloseNormalClosure)
	}
}
