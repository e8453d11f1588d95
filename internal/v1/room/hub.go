package room

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/webcall-app/realtime/internal/v1/auth"
	"github.com/webcall-app/realtime/internal/v1/bus"
	"github.com/webcall-app/realtime/internal/v1/ids"
	"github.com/webcall-app/realtime/internal/v1/logging"
	"github.com/webcall-app/realtime/internal/v1/metrics"
	"github.com/webcall-app/realtime/internal/v1/store"
	"github.com/webcall-app/realtime/internal/v1/summary"
)

// roomCleanupGrace is how long an empty room keeps its bus subscriptions
// alive; a quick reconnect cancels the teardown.
const roomCleanupGrace = 30 * time.Second

// Hub owns the set of live rooms and upgrades HTTP requests into room
// clients.
type Hub struct {
	mu              sync.Mutex
	rooms           map[uuid.UUID]*Room
	pendingCleanups map[uuid.UUID]*time.Timer

	validator    auth.TokenValidator
	bus          bus.SignalBus
	orchestrator *summary.Orchestrator
	directory    store.UserDirectory
	recorder     store.ParticipantRecorder

	allowGuest     bool
	allowedOrigins []string
	cleanupGrace   time.Duration
}

// HubConfig carries the hub's collaborators.
type HubConfig struct {
	Validator    auth.TokenValidator
	Bus          bus.SignalBus
	Orchestrator *summary.Orchestrator
	Directory    store.UserDirectory
	Recorder     store.ParticipantRecorder

	// AllowGuest admits sockets without a valid token (dev and test only).
	AllowGuest     bool
	AllowedOrigins string // comma-separated; empty allows all
}

func NewHub(cfg HubConfig) *Hub {
	h := &Hub{
		rooms:           make(map[uuid.UUID]*Room),
		pendingCleanups: make(map[uuid.UUID]*time.Timer),
		validator:       cfg.Validator,
		bus:             cfg.Bus,
		orchestrator:    cfg.Orchestrator,
		directory:       cfg.Directory,
		recorder:        cfg.Recorder,
		allowGuest:      cfg.AllowGuest,
		cleanupGrace:    roomCleanupGrace,
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

// ServeWs upgrades the request and attaches the socket to its room. Auth
// failures are reported over the socket with close code 4401 so browser
// clients can read the reason.
func (h *Hub) ServeWs(c *gin.Context) {
	rawRoom := c.Param("roomId")
	if rawRoom == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room id is required"})
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		WriteBufferPool: &sync.Pool{},
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	userID, displayName, ok := h.authenticate(c)
	if !ok {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseAuthRequired, "authentication required"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	isAgent := c.Query("agent") == "1" || c.Query("agent") == "true"

	room := h.getOrCreateRoom(rawRoom)

	connID := uuid.New()
	if isAgent {
		connID = ids.AgentConnID(room.id, userID)
	}

	client := newClient(conn, room, connID, userID, displayName, isAgent)
	metrics.IncConnection("rooms")

	go client.writePump()
	go client.readPump()
}

// authenticate resolves the socket's identity from the token query parameter.
// In guest mode a missing or invalid token yields a synthetic identity.
func (h *Hub) authenticate(c *gin.Context) (userID, displayName string, ok bool) {
	token := c.Query("token")
	if token != "" {
		claims, err := h.validator.ValidateToken(token)
		if err == nil {
			name := claims.DisplayName()
			if username := c.Query("username"); username != "" {
				name = username
			}
			return claims.UserID(), name, true
		}
		logging.Warn(c.Request.Context(), "room token rejected", zap.Error(err))
		if !h.allowGuest {
			return "", "", false
		}
	} else if !h.allowGuest {
		return "", "", false
	}

	guestID := "guest-" + uuid.NewString()[:8]
	name := c.Query("username")
	if name == "" {
		name = guestID
	}
	return guestID, name, true
}

// getOrCreateRoom returns the live room for the raw name, canceling any
// pending teardown scheduled while it sat empty.
func (h *Hub) getOrCreateRoom(rawRoom string) *Room {
	roomID := ids.CanonicalRoomID(rawRoom)

	h.mu.Lock()
	defer h.mu.Unlock()

	if timer, pending := h.pendingCleanups[roomID]; pending {
		timer.Stop()
		delete(h.pendingCleanups, roomID)
	}
	if room, exists := h.rooms[roomID]; exists {
		return room
	}

	room := newRoom(h, rawRoom)
	h.rooms[roomID] = room
	metrics.ActiveRooms.Inc()
	return room
}

// scheduleRoomCleanup tears the room down after the grace period unless
// someone rejoins first.
func (h *Hub) scheduleRoomCleanup(roomID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.rooms[roomID]; !exists {
		return
	}
	if _, pending := h.pendingCleanups[roomID]; pending {
		return
	}

	h.pendingCleanups[roomID] = time.AfterFunc(h.cleanupGrace, func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		delete(h.pendingCleanups, roomID)
		room, exists := h.rooms[roomID]
		if !exists {
			return
		}
		room.mu.Lock()
		empty := len(room.members) == 0
		room.mu.Unlock()
		if !empty {
			return
		}

		room.close()
		delete(h.rooms, roomID)
		metrics.ActiveRooms.Dec()
	})
}

// Close tears down every room immediately; used on graceful shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, timer := range h.pendingCleanups {
		timer.Stop()
		delete(h.pendingCleanups, id)
	}
	for id, room := range h.rooms {
		for _, c := range room.snapshot() {
			c.closeWith(CloseNormal)
		}
		room.close()
		delete(h.rooms, id)
		metrics.ActiveRooms.Dec()
	}
}
