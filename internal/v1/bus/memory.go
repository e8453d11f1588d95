package bus

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/webcall-app/realtime/internal/v1/logging"
)

// subscriberBuffer bounds each subscriber queue. A subscriber that falls this
// far behind is dropped; it re-syncs on the next presence event.
const subscriberBuffer = 64

type memorySubscriber struct {
	ch     chan Signal
	closed bool
}

// MemoryBus is the in-process SignalBus used in single-instance mode.
// Each room holds a list of bounded per-subscriber queues; publish performs a
// non-blocking enqueue.
type MemoryBus struct {
	mu       sync.Mutex
	subs     map[uuid.UUID][]*memorySubscriber
	presence map[uuid.UUID]map[string]struct{}
	closed   bool
}

// NewMemoryBus creates an in-process signal bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:     make(map[uuid.UUID][]*memorySubscriber),
		presence: make(map[uuid.UUID]map[string]struct{}),
	}
}

// Publish fans the signal out to all current subscribers of the room.
// A subscriber whose queue is full is dropped rather than blocking the
// publisher.
func (b *MemoryBus) Publish(ctx context.Context, roomID uuid.UUID, sig Signal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}

	kept := b.subs[roomID][:0]
	for _, sub := range b.subs[roomID] {
		select {
		case sub.ch <- sig:
			kept = append(kept, sub)
		default:
			logging.Warn(ctx, "dropping slow signal subscriber")
			sub.closed = true
			close(sub.ch)
		}
	}
	b.subs[roomID] = kept
	return nil
}

// Subscribe registers a live stream for the room. The returned cancel
// function unregisters the subscriber and closes the stream; calling it more
// than once is safe.
func (b *MemoryBus) Subscribe(ctx context.Context, roomID uuid.UUID) (<-chan Signal, func()) {
	sub := &memorySubscriber{ch: make(chan Signal, subscriberBuffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[roomID] = append(b.subs[roomID], sub)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub.closed {
			return
		}
		sub.closed = true
		close(sub.ch)
		list := b.subs[roomID]
		for i, s := range list {
			if s == sub {
				b.subs[roomID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(b.subs[roomID]) == 0 {
			delete(b.subs, roomID)
		}
	}
	return sub.ch, cancel
}

// ChatEnabled is false for the in-process bus: the room hub fans chat out
// over its own socket registry, so routing it through the bus would deliver
// every message twice.
func (b *MemoryBus) ChatEnabled() bool { return false }

// PublishChat is a no-op in single-instance mode.
func (b *MemoryBus) PublishChat(context.Context, uuid.UUID, ChatEvent) error { return nil }

// SubscribeChat returns an empty, open stream; chat never flows through the
// in-process bus.
func (b *MemoryBus) SubscribeChat(context.Context, uuid.UUID) (<-chan ChatEvent, func()) {
	ch := make(chan ChatEvent)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}

// UpdatePresence records best-effort presence for the room.
func (b *MemoryBus) UpdatePresence(_ context.Context, roomID uuid.UUID, userID string, present bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	if present {
		if b.presence[roomID] == nil {
			b.presence[roomID] = make(map[string]struct{})
		}
		b.presence[roomID][userID] = struct{}{}
	} else {
		delete(b.presence[roomID], userID)
		if len(b.presence[roomID]) == 0 {
			delete(b.presence, roomID)
		}
	}
	return nil
}

// ListPresence returns the users currently marked present in the room.
func (b *MemoryBus) ListPresence(_ context.Context, roomID uuid.UUID) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	users := make([]string, 0, len(b.presence[roomID]))
	for uid := range b.presence[roomID] {
		users = append(users, uid)
	}
	return users, nil
}

// Close shuts the bus down; all subscriber streams are closed and further
// publishes are no-ops.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for room, list := range b.subs {
		for _, sub := range list {
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
		}
		delete(b.subs, room)
	}
	return nil
}
