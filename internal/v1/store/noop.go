package store

import (
	"context"

	"github.com/google/uuid"
)

// Noop is the Store used when no DATABASE_URL is configured. Lookups miss and
// writes vanish; callers already treat persistence as best effort.
type Noop struct{}

func (Noop) DisplayName(context.Context, string) (string, error) { return "", ErrNotFound }
func (Noop) SystemPrompt(context.Context, string) (string, error) {
	return "", ErrNotFound
}
func (Noop) RecordVisit(context.Context, uuid.UUID, string, string) error { return nil }
func (Noop) Ping(context.Context) error                                   { return nil }
func (Noop) Close()                                                       {}
