// Package summary implements per-user AI summarization sessions: windowed
// chat/voice ingestion, lazy and pending-wait transcript attachment,
// auto-resume of ended windows, and strategy dispatch between an AI provider
// and a deterministic heuristic fallback.
package summary

import (
	"time"

	"github.com/google/uuid"
)

// ChatMessage is one chat entry as seen by the summarization plane.
// Ts is unix milliseconds.
type ChatMessage struct {
	AuthorID   string
	AuthorName string
	Content    string
	Ts         int64
}

// ParticipantStat is the per-author breakdown attached to a summary when
// enabled: message count plus the author's last two messages as samples.
type ParticipantStat struct {
	Name    string
	Count   int
	Samples []string
}

// SummaryResult is the immutable value returned by a summary build.
type SummaryResult struct {
	RoomID       uuid.UUID
	MessageCount int
	GeneratedAt  time.Time
	Text         string
	Sources      []string
	UsedVoice    bool
	Participants []ParticipantStat
}

// Empty reports whether the build produced nothing to show.
func (r SummaryResult) Empty() bool {
	return r.Text == ""
}

// Options carries the summarization tunables resolved from configuration.
type Options struct {
	// AIEnabled false forces the heuristic path in every strategy.
	AIEnabled bool
	// MinChars is the minimum total content length to attempt an AI call,
	// unless the small-dialog rule applies.
	MinChars int
	// ParticipantBreakdown enables the Participants field.
	ParticipantBreakdown bool
	// MaxMessages bounds the per-room message log tail.
	MaxMessages int
}
