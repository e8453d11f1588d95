// Package ids derives stable identifiers for rooms and agent connections.
//
// Free-form room names are mapped onto UUIDs deterministically so that every
// process (and every reconnect) resolves the same name to the same room.
package ids

import (
	"fmt"

	"github.com/google/uuid"
)

// EphemeralRoomPrefix marks rooms created for direct calls; such rooms are
// never persisted as visits.
const EphemeralRoomPrefix = "call-"

// CanonicalRoomID parses raw as a UUID, or derives a stable UUIDv5 from the
// namespaced form "webcall:{raw}" under the URL namespace.
func CanonicalRoomID(raw string) uuid.UUID {
	if id, err := uuid.Parse(raw); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("webcall:"+raw))
}

// AgentConnID derives the deterministic connection id for the AI agent of
// user userID in room roomID: uuid5("webcall:agent:{roomUuid}:{userId}").
// One agent per (room, user) follows from the derivation.
func AgentConnID(roomID uuid.UUID, userID string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("webcall:agent:%s:%s", roomID, userID)))
}

// IsEphemeralRoom reports whether the raw room name denotes a call room that
// must not be persisted.
func IsEphemeralRoom(raw string) bool {
	return len(raw) >= len(EphemeralRoomPrefix) && raw[:len(EphemeralRoomPrefix)] == EphemeralRoomPrefix
}
