// Package voicews implements the voice-capture WebSocket ingest: binary
// opus/webm chunks buffered per (room,user), finalized into a transcript on
// stop and handed to the summarization plane.
package voicews

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
	"github.com/webcall-app/realtime/internal/v1/ids"
	"github.com/webcall-app/realtime/internal/v1/logging"
	"github.com/webcall-app/realtime/internal/v1/metrics"
	"github.com/webcall-app/realtime/internal/v1/summary"
	"github.com/webcall-app/realtime/internal/v1/voice"
)

const (
	writeWait = 10 * time.Second

	// CloseFeatureDisabled rejects the endpoint when voice capture is off.
	CloseFeatureDisabled = 4403
	// CloseAuthRequired mirrors the room endpoint's auth failure code.
	CloseAuthRequired = 4401

	defaultSpuriousStopWindow = 800 * time.Millisecond
	defaultPostStopGrace      = 1800 * time.Millisecond
	defaultNoAudioAfter       = 2500 * time.Millisecond
	defaultAutoTriggerDelay   = 400 * time.Millisecond
)

type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// controlFrame is a client-sent start or stop marker.
type controlFrame struct {
	Type    string `json:"type"`
	Session int64  `json:"session,omitempty"`
	Ts      int64  `json:"ts,omitempty"`
}

// Handler owns the voice-capture endpoint's collaborators and tunables.
type Handler struct {
	validator    auth.TokenValidator
	collector    *voice.Collector
	transcriber  voice.Transcriber
	orchestrator *summary.Orchestrator

	enabled       bool
	maxTotalBytes int64
	allowGuest    bool

	allowedOrigins []string

	// autoTrigger, when set, is scheduled after each informative finalize
	// to build the user's personal summary without an explicit request.
	autoTrigger func(roomID uuid.UUID, userID string)

	spuriousStopWindow time.Duration
	postStopGrace      time.Duration
	noAudioAfter       time.Duration
	autoTriggerDelay   time.Duration

	nowMs func() int64
}

type HandlerConfig struct {
	Validator    auth.TokenValidator
	Collector    *voice.Collector
	Transcriber  voice.Transcriber
	Orchestrator *summary.Orchestrator

	Enabled        bool
	MaxTotalMB     int
	AllowGuest     bool
	AllowedOrigins string

	// AutoTrigger runs 400ms after an informative finalize; nil disables it.
	AutoTrigger func(roomID uuid.UUID, userID string)
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		validator:          cfg.Validator,
		collector:          cfg.Collector,
		transcriber:        cfg.Transcriber,
		orchestrator:       cfg.Orchestrator,
		enabled:            cfg.Enabled,
		maxTotalBytes:      int64(cfg.MaxTotalMB) * 1024 * 1024,
		allowGuest:         cfg.AllowGuest,
		autoTrigger:        cfg.AutoTrigger,
		spuriousStopWindow: defaultSpuriousStopWindow,
		postStopGrace:      defaultPostStopGrace,
		noAudioAfter:       defaultNoAudioAfter,
		autoTriggerDelay:   defaultAutoTriggerDelay,
		nowMs:              func() int64 { return time.Now().UnixMilli() },
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

func (h *Handler) checkOrigin(r *http.Request) bool {
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

// ServeWs upgrades the request and runs the capture loop until the socket
// closes. A disabled feature closes with 4403 after the upgrade so clients
// can read the code.
func (h *Handler) ServeWs(c *gin.Context) {
	rawRoom := c.Param("roomId")
	if rawRoom == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room id is required"})
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "voice capture upgrade failed", zap.Error(err))
		return
	}

	if !h.enabled {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseFeatureDisabled, "voice capture disabled"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	userID := ""
	if token := c.Query("token"); token != "" {
		if claims, err := h.validator.ValidateToken(token); err == nil {
			userID = claims.UserID()
		} else if !h.allowGuest {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(CloseAuthRequired, "authentication required"),
				time.Now().Add(writeWait))
			conn.Close()
			return
		}
	} else if !h.allowGuest {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseAuthRequired, "authentication required"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	metrics.IncConnection("voice")
	session := newCapture(h, conn, rawRoom, userID)
	session.run()
	metrics.DecConnection("voice")
}

// capture is the per-connection state machine: implicit start, spurious-stop
// suppression, post-stop grace, and one-shot no-audio diagnostic.
type capture struct {
	h    *Handler
	conn wsConnection

	roomID uuid.UUID
	userID string
	key    string

	mu            sync.Mutex
	started       bool
	startedAtMs   int64
	startCtrlTs   int64
	clientStopTs  int64
	clientSession int64
	totalBytes    int64
	chunkCount    int
	stopping      bool
	finalized     bool
	noAudioSent   bool

	noAudioTimer *time.Timer
	graceTimer   *time.Timer

	writeMu sync.Mutex
}

func newCapture(h *Handler, conn wsConnection, rawRoom, userID string) *capture {
	roomID := ids.CanonicalRoomID(rawRoom)
	return &capture{
		h:      h,
		conn:   conn,
		roomID: roomID,
		userID: userID,
		key:    voice.CaptureKey(roomID.String(), userID),
	}
}

func (c *capture) run() {
	defer c.conn.Close()
	defer c.teardown()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.handleDisconnect()
			return
		}
		switch messageType {
		case websocket.TextMessage:
			if done := c.handleControl(data); done {
				return
			}
		case websocket.BinaryMessage:
			if done := c.handleChunk(data); done {
				return
			}
		}
	}
}

func (c *capture) teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.noAudioTimer != nil {
		c.noAudioTimer.Stop()
	}
	if c.graceTimer != nil {
		c.graceTimer.Stop()
	}
}

func (c *capture) handleControl(data []byte) (done bool) {
	var frame controlFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return false
	}

	switch frame.Type {
	case "start":
		c.start(frame.Session, frame.Ts)
	case "stop":
		if frame.Ts != 0 {
			c.mu.Lock()
			c.clientStopTs = frame.Ts
			c.mu.Unlock()
		}
		return c.stop()
	}
	return false
}

func (c *capture) start(session, clientTs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.finalized {
		return
	}
	c.started = true
	c.startedAtMs = c.h.nowMs()
	c.clientSession = session
	c.startCtrlTs = clientTs
	c.armNoAudioLocked()
}

// armNoAudioLocked schedules the one-shot diagnostic for a started capture
// that never receives bytes.
func (c *capture) armNoAudioLocked() {
	c.noAudioTimer = time.AfterFunc(c.h.noAudioAfter, func() {
		c.mu.Lock()
		fire := c.started && !c.finalized && !c.noAudioSent && c.chunkCount == 0
		if fire {
			c.noAudioSent = true
		}
		c.mu.Unlock()
		if fire {
			c.sendJSON(map[string]string{
				"type":    "no-audio",
				"message": "capture started but no audio bytes received",
			})
		}
	})
}

func (c *capture) stop() (done bool) {
	c.mu.Lock()
	if !c.started || c.finalized {
		c.mu.Unlock()
		return false
	}

	// A stop right after start with nothing uploaded is a client-side
	// restart hiccup, not a real session.
	if c.totalBytes == 0 && c.h.nowMs()-c.startedAtMs < c.h.spuriousStopWindow.Milliseconds() {
		c.mu.Unlock()
		return false
	}

	if c.chunkCount > 0 {
		c.mu.Unlock()
		c.finalize()
		return true
	}

	// No bytes yet: give the in-flight first chunk a grace window before
	// finalizing empty.
	c.stopping = true
	c.graceTimer = time.AfterFunc(c.h.postStopGrace, c.finalize)
	c.mu.Unlock()
	return false
}

func (c *capture) handleChunk(data []byte) (done bool) {
	c.mu.Lock()
	if c.finalized {
		c.mu.Unlock()
		return true
	}
	if !c.started {
		// Implicit start on first binary frame.
		c.started = true
		c.startedAtMs = c.h.nowMs()
		c.armNoAudioLocked()
	}
	stopping := c.stopping
	c.mu.Unlock()

	total := int64(c.h.collector.AddChunk(c.key, data))
	c.mu.Lock()
	c.chunkCount++
	c.totalBytes = total
	overLimit := c.h.maxTotalBytes > 0 && total > c.h.maxTotalBytes
	c.mu.Unlock()

	if overLimit {
		logging.Warn(context.Background(), "voice capture byte limit exceeded",
			zap.String("key", c.key), zap.Int64("totalBytes", total))
		c.finalize()
		return true
	}
	if stopping {
		// The chunk the grace period was waiting for.
		c.finalize()
		return true
	}
	return false
}

func (c *capture) handleDisconnect() {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		c.finalize()
	}
}

// finalize drains the buffered chunks, runs ASR, stores the meta-prefixed
// transcript, and attaches it to the orchestrator when informative. Runs at
// most once per connection.
func (c *capture) finalize() {
	c.mu.Lock()
	if c.finalized {
		c.mu.Unlock()
		return
	}
	c.finalized = true
	if c.noAudioTimer != nil {
		c.noAudioTimer.Stop()
	}
	if c.graceTimer != nil {
		c.graceTimer.Stop()
	}
	session := c.clientSession
	startCtrlTs := c.startCtrlTs
	clientTs := c.clientStopTs
	c.mu.Unlock()

	ctx := context.Background()
	chunks := c.h.collector.GetAndClearChunks(c.key)
	text := c.h.transcriber.Transcribe(ctx, chunks)

	meta := voice.Meta{
		CaptureTs:   c.h.nowMs(),
		Session:     session,
		ClientTs:    clientTs,
		StartCtrlTs: startCtrlTs,
	}
	full := meta.Prefix(text)
	c.h.collector.StoreTranscript(c.key, full)

	informative := text != "" && !voice.IsTechnical(text)
	result := "technical"
	if informative {
		result = "ok"
	}
	metrics.VoiceFinalizations.WithLabelValues(result).Inc()

	if informative && c.userID != "" {
		c.h.orchestrator.AddVoiceTranscript(c.roomID, full, c.userID)
		if c.h.autoTrigger != nil {
			roomID, userID := c.roomID, c.userID
			time.AfterFunc(c.h.autoTriggerDelay, func() {
				c.h.autoTrigger(roomID, userID)
			})
		}
	}

	logging.Info(ctx, "voice capture finalized",
		zap.String("key", c.key),
		zap.Int("chunks", len(chunks)),
		zap.Bool("informative", informative))
}

func (c *capture) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		logging.Warn(context.Background(), "error writing voice diagnostic", zap.Error(err))
	}
}
