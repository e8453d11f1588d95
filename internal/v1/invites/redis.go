package invites

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/webcall-app/realtime/internal/v1/logging"
)

// RedisService stores invites durably: a hash per room plus a per-user ZSET
// index scored by creation time. Writes run in a pipeline so the record and
// its indexes move together.
type RedisService struct {
	client *redis.Client
	ttl    time.Duration
	pub    EventPublisher
	nowMs  func() int64
}

// NewRedisService creates the Redis-backed invite service.
func NewRedisService(client *redis.Client, ttl time.Duration, pub EventPublisher) *RedisService {
	return &RedisService{
		client: client,
		ttl:    ttl,
		pub:    pub,
		nowMs:  func() int64 { return time.Now().UnixMilli() },
	}
}

func inviteKey(roomID string) string    { return "call_invite:" + roomID }
func userIndexKey(userID string) string { return "call_invite_user:" + userID }

func (s *RedisService) Invite(ctx context.Context, inv Invite) error {
	if inv.CreatedAt == 0 {
		inv.CreatedAt = s.nowMs()
	}

	// A replacement must drop the prior invite's index entries, or its
	// participants keep listing a room they are no longer part of.
	prev, err := s.client.HGetAll(ctx, inviteKey(inv.RoomID)).Result()
	if err != nil {
		return fmt.Errorf("load prior invite: %w", err)
	}

	pipe := s.client.TxPipeline()
	if len(prev) > 0 {
		old := inviteFromHash(inv.RoomID, prev)
		pipe.ZRem(ctx, userIndexKey(old.FromUserID), inv.RoomID)
		pipe.ZRem(ctx, userIndexKey(old.ToUserID), inv.RoomID)
	}
	pipe.HSet(ctx, inviteKey(inv.RoomID), map[string]any{
		"fromUserId":   inv.FromUserID,
		"toUserId":     inv.ToUserID,
		"fromUsername": inv.FromUsername,
		"fromEmail":    inv.FromEmail,
		"ts":           inv.CreatedAt,
	})
	pipe.Expire(ctx, inviteKey(inv.RoomID), s.ttl)
	for _, uid := range []string{inv.FromUserID, inv.ToUserID} {
		pipe.ZAdd(ctx, userIndexKey(uid), redis.Z{Score: float64(inv.CreatedAt), Member: inv.RoomID})
		pipe.Expire(ctx, userIndexKey(uid), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store invite: %w", err)
	}

	s.publish(ctx, EventInvite, inv)
	return nil
}

// take fetches and atomically removes the pending invite for the room.
func (s *RedisService) take(ctx context.Context, roomID string) (Invite, bool, error) {
	fields, err := s.client.HGetAll(ctx, inviteKey(roomID)).Result()
	if err != nil {
		return Invite{}, false, fmt.Errorf("load invite: %w", err)
	}
	if len(fields) == 0 {
		return Invite{}, false, nil
	}
	inv := inviteFromHash(roomID, fields)

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, inviteKey(roomID))
	pipe.ZRem(ctx, userIndexKey(inv.FromUserID), roomID)
	pipe.ZRem(ctx, userIndexKey(inv.ToUserID), roomID)
	if _, err := pipe.Exec(ctx); err != nil {
		return Invite{}, false, fmt.Errorf("remove invite: %w", err)
	}
	return inv, true, nil
}

func (s *RedisService) resolve(ctx context.Context, event, fromUserID, toUserID, roomID string) error {
	inv, ok, err := s.take(ctx, roomID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoInvite
	}
	inv.FromUserID = fromUserID
	inv.ToUserID = toUserID
	s.publish(ctx, event, inv)
	return nil
}

func (s *RedisService) Accept(ctx context.Context, fromUserID, toUserID, roomID string) error {
	return s.resolve(ctx, EventAccept, fromUserID, toUserID, roomID)
}

func (s *RedisService) Decline(ctx context.Context, fromUserID, toUserID, roomID string) error {
	return s.resolve(ctx, EventDecline, fromUserID, toUserID, roomID)
}

func (s *RedisService) Cancel(ctx context.Context, fromUserID, toUserID, roomID string) error {
	return s.resolve(ctx, EventCancel, fromUserID, toUserID, roomID)
}

func (s *RedisService) ListPendingFor(ctx context.Context, userID string) ([]Invite, error) {
	cutoff := float64(s.nowMs() - s.ttl.Milliseconds())

	// Inline purge of the expired slice of the index.
	if err := s.client.ZRemRangeByScore(ctx, userIndexKey(userID), "-inf",
		strconv.FormatFloat(cutoff, 'f', 0, 64)).Err(); err != nil {
		logging.Warn(ctx, "invite index purge failed", zap.Error(err))
	}

	rooms, err := s.client.ZRange(ctx, userIndexKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list invites: %w", err)
	}

	var out []Invite
	for _, room := range rooms {
		fields, err := s.client.HGetAll(ctx, inviteKey(room)).Result()
		if err != nil || len(fields) == 0 {
			// Hash expired ahead of the index; drop the dangling member.
			s.client.ZRem(ctx, userIndexKey(userID), room)
			continue
		}
		out = append(out, inviteFromHash(room, fields))
	}
	return out, nil
}

func (s *RedisService) publish(ctx context.Context, event string, inv Invite) {
	if s.pub != nil {
		s.pub.PublishCallEvent(ctx, event, inv)
	}
}

func inviteFromHash(roomID string, fields map[string]string) Invite {
	ts, _ := strconv.ParseInt(fields["ts"], 10, 64)
	return Invite{
		RoomID:       roomID,
		FromUserID:   fields["fromUserId"],
		ToUserID:     fields["toUserId"],
		FromUsername: fields["fromUsername"],
		FromEmail:    fields["fromEmail"],
		CreatedAt:    ts,
	}
}
