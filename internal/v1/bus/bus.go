// Package bus implements the signaling fan-out plane: publish/subscribe over
// logical channels keyed by room, plus best-effort presence gossip.
//
// Two backends exist. The in-memory backend serves single-instance deployments
// (dev, test); the Redis backend fans out across processes. Both deliver live
// traffic only: a subscriber never receives messages published before it
// subscribed.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Canonical signal types relayed between WebRTC peers.
const (
	SignalOffer        = "offer"
	SignalAnswer       = "answer"
	SignalICECandidate = "ice-candidate"
)

// ErrInvalidSignalType reports a client-sent signalType outside the canonical set.
var ErrInvalidSignalType = errors.New("invalid signal type")

// Signal is a transient WebRTC negotiation frame relayed through the bus.
type Signal struct {
	Type      string          `json:"type"`
	SenderID  string          `json:"senderId"`
	TargetID  string          `json:"targetId,omitempty"`
	RoomID    string          `json:"roomId"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	SentAt    time.Time       `json:"sentAt"`
}

// ChatEvent is a chat frame fanned out on the room's chat channel.
type ChatEvent struct {
	FromUserID string `json:"fromUserId,omitempty"`
	AuthorName string `json:"authorName,omitempty"`
	Content    string `json:"content"`
}

// SignalBus is the fan-out contract shared by both backends.
// Publish never blocks the caller beyond a bounded enqueue; a publish after
// Close is a no-op.
type SignalBus interface {
	Publish(ctx context.Context, roomID uuid.UUID, sig Signal) error
	// Subscribe returns a live stream for the room and a cancel function.
	// The stream is closed when cancel is called or the bus shuts down.
	Subscribe(ctx context.Context, roomID uuid.UUID) (<-chan Signal, func())

	// Chat fan-out on the sibling channel. ChatEnabled reports whether chat
	// should be delivered through the bus; when false the hub fans out
	// in-process instead.
	ChatEnabled() bool
	PublishChat(ctx context.Context, roomID uuid.UUID, ev ChatEvent) error
	SubscribeChat(ctx context.Context, roomID uuid.UUID) (<-chan ChatEvent, func())

	UpdatePresence(ctx context.Context, roomID uuid.UUID, userID string, present bool) error
	ListPresence(ctx context.Context, roomID uuid.UUID) ([]string, error)

	Close() error
}

// NormalizeSignalType folds client-sent spellings onto the canonical form:
// whitespace and underscores removed, lowercased, "icecandidate" folded to
// "ice-candidate". Returns ErrInvalidSignalType for anything outside the set.
func NormalizeSignalType(raw string) (string, error) {
	norm := strings.ToLower(strings.TrimSpace(raw))
	norm = strings.ReplaceAll(norm, " ", "")
	norm = strings.ReplaceAll(norm, "_", "-")
	if norm == "icecandidate" {
		norm = SignalICECandidate
	}
	switch norm {
	case SignalOffer, SignalAnswer, SignalICECandidate:
		return norm, nil
	}
	return "", ErrInvalidSignalType
}
