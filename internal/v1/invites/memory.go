package invites

import (
	"context"
	"sync"
	"time"
)

// MemoryService keeps invites in process memory. Expiry is lazy: every
// operation purges entries older than the TTL before acting.
type MemoryService struct {
	mu     sync.Mutex
	byRoom map[string]Invite
	byUser map[string]map[string]struct{} // userId -> set of roomIds
	ttl    time.Duration
	pub    EventPublisher
	nowMs  func() int64
}

// NewMemoryService creates the in-memory backend. pub may be nil in tests.
func NewMemoryService(ttl time.Duration, pub EventPublisher) *MemoryService {
	return &MemoryService{
		byRoom: make(map[string]Invite),
		byUser: make(map[string]map[string]struct{}),
		ttl:    ttl,
		pub:    pub,
		nowMs:  func() int64 { return time.Now().UnixMilli() },
	}
}

func (s *MemoryService) indexLocked(inv Invite) {
	for _, uid := range []string{inv.FromUserID, inv.ToUserID} {
		rooms := s.byUser[uid]
		if rooms == nil {
			rooms = make(map[string]struct{})
			s.byUser[uid] = rooms
		}
		rooms[inv.RoomID] = struct{}{}
	}
}

func (s *MemoryService) unindexLocked(inv Invite) {
	for _, uid := range []string{inv.FromUserID, inv.ToUserID} {
		delete(s.byUser[uid], inv.RoomID)
		if len(s.byUser[uid]) == 0 {
			delete(s.byUser, uid)
		}
	}
}

func (s *MemoryService) purgeLocked() {
	cutoff := s.nowMs() - s.ttl.Milliseconds()
	for room, inv := range s.byRoom {
		if inv.CreatedAt < cutoff {
			delete(s.byRoom, room)
			s.unindexLocked(inv)
		}
	}
}

func (s *MemoryService) Invite(ctx context.Context, inv Invite) error {
	if inv.CreatedAt == 0 {
		inv.CreatedAt = s.nowMs()
	}

	s.mu.Lock()
	s.purgeLocked()
	if prev, ok := s.byRoom[inv.RoomID]; ok {
		// Conflict: the stored record always reflects the latest invite.
		s.unindexLocked(prev)
	}
	s.byRoom[inv.RoomID] = inv
	s.indexLocked(inv)
	s.mu.Unlock()

	s.publish(ctx, EventInvite, inv)
	return nil
}

// take removes and returns the pending invite for the room.
func (s *MemoryService) take(roomID string) (Invite, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()
	inv, ok := s.byRoom[roomID]
	if !ok {
		return Invite{}, false
	}
	delete(s.byRoom, roomID)
	s.unindexLocked(inv)
	return inv, true
}

func (s *MemoryService) resolve(ctx context.Context, event, fromUserID, toUserID, roomID string) error {
	inv, ok := s.take(roomID)
	if !ok {
		return ErrNoInvite
	}
	// Resolution events carry the acting parties, not the stored record's.
	inv.FromUserID = fromUserID
	inv.ToUserID = toUserID
	s.publish(ctx, event, inv)
	return nil
}

func (s *MemoryService) Accept(ctx context.Context, fromUserID, toUserID, roomID string) error {
	return s.resolve(ctx, EventAccept, fromUserID, toUserID, roomID)
}

func (s *MemoryService) Decline(ctx context.Context, fromUserID, toUserID, roomID string) error {
	return s.resolve(ctx, EventDecline, fromUserID, toUserID, roomID)
}

func (s *MemoryService) Cancel(ctx context.Context, fromUserID, toUserID, roomID string) error {
	return s.resolve(ctx, EventCancel, fromUserID, toUserID, roomID)
}

func (s *MemoryService) ListPendingFor(_ context.Context, userID string) ([]Invite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()

	var out []Invite
	for room := range s.byUser[userID] {
		if inv, ok := s.byRoom[room]; ok {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (s *MemoryService) publish(ctx context.Context, event string, inv Invite) {
	if s.pub != nil {
		s.pub.PublishCallEvent(ctx, event, inv)
	}
}
