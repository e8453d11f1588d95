// Package room implements the per-room WebSocket hub: presence with display
// name resolution, chat fan-out, WebRTC signaling relay, and AI agent
// registration feeding the summary orchestrator.
//
// Each client runs two goroutines, readPump and writePump, mirroring the
// classic gorilla/websocket layout. The read loop owns every mutation of the
// room's membership maps for that client, so joins and leaves serialize per
// socket without a cross-room lock.
package room

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/webcall-app/realtime/internal/v1/logging"
	"github.com/webcall-app/realtime/internal/v1/metrics"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256
)

// wsConnection abstracts the WebSocket operations a client needs; satisfied
// by *websocket.Conn in production and by mocks in tests.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Client is one socket attached to a room.
type Client struct {
	conn wsConnection
	send chan []byte
	room *Room

	connID      uuid.UUID
	userID      string
	displayName string
	isAgent     bool

	closeOnce sync.Once
	closeCode int
}

func newClient(conn wsConnection, room *Room, connID uuid.UUID, userID, displayName string, isAgent bool) *Client {
	return &Client{
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		room:        room,
		connID:      connID,
		userID:      userID,
		displayName: displayName,
		isAgent:     isAgent,
		closeCode:   CloseNormal,
	}
}

// readPump processes inbound frames until the socket dies, then runs the
// disconnect cleanup.
func (c *Client) readPump() {
	defer func() {
		c.room.handleClientDisconnect(c)
		c.shutdown()
		metrics.DecConnection("rooms")
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.room.route(context.Background(), c, data)
	}
}

// writePump drains the send queue onto the socket and emits the close frame
// when the queue is shut.
func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Warn(context.Background(), "error writing to room socket", zap.Error(err))
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(c.closeCode, ""))
}

// sendJSON enqueues a frame without blocking; a full queue drops the frame.
func (c *Client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Error(context.Background(), "failed to marshal outbound frame", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "room client send queue full, dropping frame",
			zap.String("connId", c.connID.String()))
	}
}

// closeWith schedules a graceful close with the given application code.
func (c *Client) closeWith(code int) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		close(c.send)
	})
}

// shutdown closes the send queue (flushing the close frame) if still open.
func (c *Client) shutdown() {
	c.closeOnce.Do(func() { close(c.send) })
}
