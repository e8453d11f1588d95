// Package store defines the persistence contracts the realtime plane consumes
// and their Postgres implementation. Persistence is always best effort here:
// the hubs keep working when the database is absent.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound reports a missing record.
var ErrNotFound = errors.New("record not found")

// UserDirectory resolves user ids to display names.
type UserDirectory interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// PromptStore fetches the per-user system prompt for AI summarization.
type PromptStore interface {
	SystemPrompt(ctx context.Context, userID string) (string, error)
}

// ParticipantRecorder persists room visits for non-ephemeral rooms.
type ParticipantRecorder interface {
	RecordVisit(ctx context.Context, roomID uuid.UUID, userID, displayName string) error
}

// Store bundles the contracts backed by a single database.
type Store interface {
	UserDirectory
	PromptStore
	ParticipantRecorder

	Ping(ctx context.Context) error
	Close()
}
