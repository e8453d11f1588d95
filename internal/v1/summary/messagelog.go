package summary

import (
	"sync"

	"github.com/google/uuid"
)

// MessageLog keeps a bounded, non-destructive tail of chat messages per room.
// Eviction is FIFO; reads return copies so callers can iterate without locks.
type MessageLog struct {
	mu    sync.Mutex
	rooms map[uuid.UUID][]ChatMessage
	max   int
}

// NewMessageLog creates a log retaining at most max entries per room.
func NewMessageLog(max int) *MessageLog {
	if max <= 0 {
		max = 4000
	}
	return &MessageLog{rooms: make(map[uuid.UUID][]ChatMessage), max: max}
}

// Append records a message, evicting the oldest entry when the room is full.
func (l *MessageLog) Append(roomID uuid.UUID, msg ChatMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := append(l.rooms[roomID], msg)
	if len(entries) > l.max {
		entries = entries[len(entries)-l.max:]
	}
	l.rooms[roomID] = entries
}

// Since returns the messages with Ts strictly greater than afterTs.
func (l *MessageLog) Since(roomID uuid.UUID, afterTs int64) []ChatMessage {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []ChatMessage
	for _, m := range l.rooms[roomID] {
		if m.Ts > afterTs {
			out = append(out, m)
		}
	}
	return out
}

// Tail returns a copy of the last n messages of the room.
func (l *MessageLog) Tail(roomID uuid.UUID, n int) []ChatMessage {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.rooms[roomID]
	if n > len(entries) {
		n = len(entries)
	}
	out := make([]ChatMessage, n)
	copy(out, entries[len(entries)-n:])
	return out
}

// Len returns the current number of retained messages for the room.
func (l *MessageLog) Len(roomID uuid.UUID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rooms[roomID])
}
