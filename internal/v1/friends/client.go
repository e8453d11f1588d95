// Package friends implements the per-user event channel: friendship and
// direct-message notifications, the call-invitation state machine's event
// delivery, and call teardown signaling.
//
// Unlike rooms, a user has at most one live friends socket; opening a second
// supersedes the first, which is closed with application code 4000.
package friends

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/webcall-app/realtime/internal/v1/logging"
	"github.com/webcall-app/realtime/internal/v1/metrics"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 64

	// CloseSuperseded is sent to a prior socket when the same user connects
	// again.
	CloseSuperseded = 4000
	// CloseAuthRequired mirrors the room endpoint's auth failure code.
	CloseAuthRequired = 4401
)

type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Client is one user's friends socket.
type Client struct {
	conn wsConnection
	send chan []byte
	hub  *Hub

	userID string

	closeOnce sync.Once
	closeCode int
}

func newClient(conn wsConnection, hub *Hub, userID string) *Client {
	return &Client{
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		hub:       hub,
		userID:    userID,
		closeCode: websocket.CloseNormalClosure,
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.shutdown()
		metrics.DecConnection("friends")
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.hub.route(c, data)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Warn(context.Background(), "error writing to friends socket", zap.Error(err))
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(c.closeCode, ""))
}

// sendJSON enqueues without blocking; event delivery is fire-and-forget.
func (c *Client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Error(context.Background(), "failed to marshal friends frame", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "friends send queue full, dropping event",
			zap.String("userId", c.userID))
	}
}

func (c *Client) closeWith(code int) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		close(c.send)
	})
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() { close(c.send) })
}
