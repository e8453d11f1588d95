// Package invites implements the call-invitation state machine: at most one
// pending invite per room, indexed per user, expiring by TTL. Lifecycle events
// are emitted through an injected publisher so the service never depends on
// the hub that delivers them.
package invites

import (
	"context"
	"errors"
)

// Lifecycle event names delivered through the EventPublisher.
const (
	EventInvite  = "call_invite"
	EventAccept  = "call_accept"
	EventDecline = "call_decline"
	EventCancel  = "call_cancel"
)

// ErrNoInvite reports an accept/decline/cancel against a room with no pending
// invite (already resolved or expired).
var ErrNoInvite = errors.New("no pending invite for room")

// Invite is one pending call-setup record. CreatedAt is unix milliseconds.
type Invite struct {
	RoomID       string `json:"roomId"`
	FromUserID   string `json:"fromUserId"`
	ToUserID     string `json:"toUserId"`
	FromUsername string `json:"fromUsername,omitempty"`
	FromEmail    string `json:"fromEmail,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
}

// EventPublisher receives invite lifecycle events addressed to both
// participants. FriendsHub implements it; tests inject a recorder.
type EventPublisher interface {
	PublishCallEvent(ctx context.Context, event string, inv Invite)
}

// Service is the invite state machine contract shared by both backends.
type Service interface {
	// Invite stores a pending invite for the room, silently replacing any
	// existing one, and publishes call_invite.
	Invite(ctx context.Context, inv Invite) error
	// Accept resolves the pending invite and publishes call_accept.
	Accept(ctx context.Context, fromUserID, toUserID, roomID string) error
	// Decline resolves the pending invite and publishes call_decline.
	Decline(ctx context.Context, fromUserID, toUserID, roomID string) error
	// Cancel withdraws the pending invite and publishes call_cancel.
	Cancel(ctx context.Context, fromUserID, toUserID, roomID string) error
	// ListPendingFor returns the non-expired invites the user originated or
	// is addressed by; expired entries are purged inline.
	ListPendingFor(ctx context.Context, userID string) ([]Invite, error)
}
