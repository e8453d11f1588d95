package room

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/webcall-app/realtime/internal/v1/bus"
	"github.com/webcall-app/realtime/internal/v1/ids"
	"github.com/webcall-app/realtime/internal/v1/logging"
	"github.com/webcall-app/realtime/internal/v1/metrics"
)

// Room is the registry of sockets joined to one canonical room id. All
// membership mutations happen on the read loop of the joining or leaving
// socket; broadcasts iterate a snapshot taken under the lock.
type Room struct {
	id    uuid.UUID
	rawID string
	hub   *Hub

	mu           sync.Mutex
	members      map[uuid.UUID]*Client
	order        []uuid.UUID // join order, drives the presence list
	displayNames map[uuid.UUID]string
	agents       map[uuid.UUID]string // agent connId -> owning userId

	cancelSignals func()
	cancelChat    func()
}

func newRoom(hub *Hub, rawID string) *Room {
	r := &Room{
		id:           ids.CanonicalRoomID(rawID),
		rawID:        rawID,
		hub:          hub,
		members:      make(map[uuid.UUID]*Client),
		displayNames: make(map[uuid.UUID]string),
		agents:       make(map[uuid.UUID]string),
	}

	ctx := context.Background()
	signals, cancelSignals := hub.bus.Subscribe(ctx, r.id)
	r.cancelSignals = cancelSignals
	go r.forwardSignals(signals)

	if hub.bus.ChatEnabled() {
		chat, cancelChat := hub.bus.SubscribeChat(ctx, r.id)
		r.cancelChat = cancelChat
		go r.forwardChat(chat)
	}
	return r
}

func (r *Room) close() {
	r.cancelSignals()
	if r.cancelChat != nil {
		r.cancelChat()
	}
}

// snapshot copies the member list for iteration outside the lock.
func (r *Room) snapshot() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Client, 0, len(r.members))
	for _, c := range r.members {
		out = append(out, c)
	}
	return out
}

// forwardSignals delivers bus signals to local members: targeted signals go
// to the target user's sockets, broadcasts to everyone but the sender.
func (r *Room) forwardSignals(signals <-chan bus.Signal) {
	for sig := range signals {
		frame := signalFrame{
			Type:         frameTypeSignal,
			SignalType:   sig.Type,
			FromUserID:   sig.SenderID,
			TargetUserID: sig.TargetID,
			SDP:          sig.SDP,
			Candidate:    sig.Candidate,
		}
		for _, member := range r.snapshot() {
			if sig.TargetID != "" {
				if member.userID == sig.TargetID {
					member.sendJSON(frame)
				}
				continue
			}
			if member.userID != sig.SenderID {
				member.sendJSON(frame)
			}
		}
	}
}

// forwardChat delivers bus chat events to every local member, the sender
// included; the subscriber channel is the single echo path in external mode.
func (r *Room) forwardChat(events <-chan bus.ChatEvent) {
	for ev := range events {
		frame := chatFrame{
			Type:       frameTypeChat,
			FromUserID: ev.FromUserID,
			AuthorName: ev.AuthorName,
			Content:    ev.Content,
		}
		for _, member := range r.snapshot() {
			member.sendJSON(frame)
		}
	}
}

// route dispatches one inbound frame. Malformed input answers with an error
// frame and keeps the connection.
func (r *Room) route(ctx context.Context, c *Client, data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.sendJSON(errorFrame{Type: frameTypeError, Message: "invalid JSON frame"})
		return
	}

	switch frame.Type {
	case frameTypePing:
		c.sendJSON(pongFrame{Type: frameTypePong})
	case frameTypeJoin:
		r.handleJoin(ctx, c, frame)
	case frameTypeLeave:
		c.closeWith(CloseNormal)
	case frameTypeChat:
		r.handleChat(ctx, c, frame)
	case frameTypeSignal:
		r.handleSignal(ctx, c, frame)
	case frameTypeAgentSummary:
		r.handleAgentSummary(c)
	default:
		c.sendJSON(errorFrame{Type: frameTypeError, Message: "unknown frame type: " + frame.Type})
	}
}

func (r *Room) handleJoin(ctx context.Context, c *Client, frame inboundFrame) {
	if c.userID == "" && frame.FromUserID != "" {
		c.userID = frame.FromUserID
	}
	if frame.Username != "" {
		c.displayName = frame.Username
	}
	if c.displayName == "" && c.userID != "" {
		if name, err := r.hub.directory.DisplayName(ctx, c.userID); err == nil {
			c.displayName = name
		}
	}
	if c.displayName == "" {
		c.displayName = c.userID
	}

	r.mu.Lock()
	if _, rejoin := r.members[c.connID]; !rejoin {
		r.order = append(r.order, c.connID)
	}
	r.members[c.connID] = c
	r.displayNames[c.connID] = c.displayName
	if c.isAgent {
		r.agents[c.connID] = c.userID
	}
	r.mu.Unlock()

	if c.isAgent {
		r.hub.orchestrator.StartUserWindow(r.id, c.userID)
	}

	if err := r.hub.bus.UpdatePresence(ctx, r.id, c.userID, true); err != nil {
		logging.Warn(ctx, "presence update failed", zap.Error(err))
	}
	r.broadcastPresence()

	if c.userID != "" && !ids.IsEphemeralRoom(r.rawID) {
		go r.persistVisit(c.userID, c.displayName)
	}

	logging.Info(ctx, "client joined room",
		zap.String("roomId", r.id.String()),
		zap.String("connId", c.connID.String()),
		zap.Bool("agent", c.isAgent))
}

func (r *Room) persistVisit(userID, displayName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.hub.recorder.RecordVisit(ctx, r.id, userID, displayName); err != nil {
		logging.Warn(ctx, "failed to persist room visit", zap.Error(err))
	}
}

// broadcastPresence recomputes the room view and pushes it to every member.
func (r *Room) broadcastPresence() {
	r.mu.Lock()
	frame := presenceFrame{
		Type:      frameTypePresence,
		Users:     make([]string, 0, len(r.order)),
		UserNames: make(map[string]string, len(r.members)),
		AgentIDs:  make([]string, 0, len(r.agents)),
	}
	for _, connID := range r.order {
		if _, ok := r.members[connID]; !ok {
			continue
		}
		id := connID.String()
		frame.Users = append(frame.Users, id)
		frame.UserNames[id] = r.displayNames[connID]
		if _, isAgent := r.agents[connID]; isAgent {
			frame.AgentIDs = append(frame.AgentIDs, id)
		}
	}
	targets := make([]*Client, 0, len(r.members))
	for _, c := range r.members {
		targets = append(targets, c)
	}
	r.mu.Unlock()

	for _, c := range targets {
		c.sendJSON(frame)
	}
}

func (r *Room) handleChat(ctx context.Context, c *Client, frame inboundFrame) {
	authorID := c.userID
	if authorID == "" {
		authorID = frame.FromUserID
	}
	r.mu.Lock()
	authorName := r.displayNames[c.connID]
	r.mu.Unlock()
	if authorName == "" {
		authorName = c.displayName
	}

	// Mirror into the summarization plane before fan-out.
	r.hub.orchestrator.AddChat(r.id, authorID, authorName, frame.Content)
	metrics.ChatMessages.Inc()

	if r.hub.bus.ChatEnabled() {
		err := r.hub.bus.PublishChat(ctx, r.id, bus.ChatEvent{
			FromUserID: authorID,
			AuthorName: authorName,
			Content:    frame.Content,
		})
		if err != nil {
			logging.Warn(ctx, "chat publish failed", zap.Error(err))
		}
		return
	}

	// Single-instance mode: fan out in process, the sender echoed like
	// everyone else.
	out := chatFrame{
		Type:       frameTypeChat,
		FromUserID: authorID,
		AuthorName: authorName,
		Content:    frame.Content,
	}
	for _, member := range r.snapshot() {
		member.sendJSON(out)
	}
}

func (r *Room) handleSignal(ctx context.Context, c *Client, frame inboundFrame) {
	signalType, err := bus.NormalizeSignalType(frame.SignalType)
	if err != nil {
		c.sendJSON(errorFrame{Type: frameTypeError, Message: "invalid signal type: " + frame.SignalType})
		return
	}

	senderID := c.userID
	if senderID == "" {
		senderID = frame.FromUserID
	}
	sig := bus.Signal{
		Type:      signalType,
		SenderID:  senderID,
		TargetID:  frame.TargetUserID,
		RoomID:    r.id.String(),
		SDP:       frame.SDP,
		Candidate: frame.Candidate,
		SentAt:    time.Now().UTC(),
	}
	if err := r.hub.bus.Publish(ctx, r.id, sig); err != nil {
		logging.Warn(ctx, "signal publish failed", zap.Error(err))
		return
	}
	metrics.SignalEvents.WithLabelValues(signalType).Inc()
}

// handleAgentSummary acknowledges immediately and builds the personal summary
// off the read loop; the result lands on the requesting socket.
func (r *Room) handleAgentSummary(c *Client) {
	c.sendJSON(agentSummaryAckFrame{Type: frameTypeAgentSummaryAck, Status: ackProcessing})

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				logging.Error(context.Background(), "personal summary build panicked",
					zap.Any("panic", rec))
				c.sendJSON(agentSummaryAckFrame{Type: frameTypeAgentSummaryAck, Status: ackError})
			}
		}()

		res := r.hub.orchestrator.BuildPersonalSummary(context.Background(), r.id, c.userID)
		if res.Empty() {
			c.sendJSON(agentSummaryAckFrame{Type: frameTypeAgentSummaryAck, Status: ackEmpty, Finalized: true})
			return
		}

		source := "chat"
		if res.UsedVoice {
			source = "voice"
		}
		c.sendJSON(chatFrame{
			Type:       frameTypeChat,
			FromUserID: c.connID.String(),
			AuthorName: "AI Assistant",
			Content:    res.Text,
		})
		c.sendJSON(agentSummaryAckFrame{
			Type:      frameTypeAgentSummaryAck,
			Status:    ackDone,
			Source:    source,
			Finalized: true,
		})
	}()
}

// handleClientDisconnect removes the socket from the room and, for agents,
// ends the owner's summarization window.
func (r *Room) handleClientDisconnect(c *Client) {
	r.mu.Lock()
	// Agent conn ids are deterministic, so a reconnect reuses the id. Only
	// the currently registered socket may tear the entry down.
	if r.members[c.connID] != c {
		r.mu.Unlock()
		return
	}
	delete(r.members, c.connID)
	delete(r.displayNames, c.connID)
	agentOwner, wasAgent := r.agents[c.connID]
	delete(r.agents, c.connID)

	userStillPresent := false
	for _, other := range r.members {
		if other.userID == c.userID {
			userStillPresent = true
			break
		}
	}
	empty := len(r.members) == 0
	r.mu.Unlock()

	if wasAgent {
		r.hub.orchestrator.EndUserWindow(r.id, agentOwner)
	}

	ctx := context.Background()
	if c.userID != "" && !userStillPresent {
		if err := r.hub.bus.UpdatePresence(ctx, r.id, c.userID, false); err != nil {
			logging.Warn(ctx, "presence removal failed", zap.Error(err))
		}
	}
	r.broadcastPresence()

	if empty {
		r.hub.scheduleRoomCleanup(r.id)
	}
}
