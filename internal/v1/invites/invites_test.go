package invites

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingPublisher captures lifecycle events for assertions.
type recordingPublisher struct {
	mu     sync.Mutex
	events []string
	last   map[string]Invite
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{last: make(map[string]Invite)}
}

func (p *recordingPublisher) PublishCallEvent(_ context.Context, event string, inv Invite) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	p.last[event] = inv
}

func (p *recordingPublisher) eventNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func (p *recordingPublisher) lastFor(event string) Invite {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last[event]
}

func eachBackend(t *testing.T, run func(t *testing.T, svc Service, pub *recordingPublisher)) {
	t.Run("memory", func(t *testing.T) {
		pub := newRecordingPublisher()
		run(t, NewMemoryService(30*time.Second, pub), pub)
	})
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		pub := newRecordingPublisher()
		run(t, NewRedisService(client, 15*time.Minute, pub), pub)
	})
}

func TestInviteLifecycle(t *testing.T) {
	eachBackend(t, func(t *testing.T, svc Service, pub *recordingPublisher) {
		ctx := context.Background()

		require.NoError(t, svc.Invite(ctx, Invite{
			RoomID:       "call-42",
			FromUserID:   "A",
			ToUserID:     "B",
			FromUsername: "alice",
		}))
		assert.Equal(t, []string{EventInvite}, pub.eventNames())

		pending, err := svc.ListPendingFor(ctx, "A")
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "call-42", pending[0].RoomID)
		assert.Equal(t, "B", pending[0].ToUserID)
		assert.NotZero(t, pending[0].CreatedAt)

		// Both sides see the pending invite.
		pending, err = svc.ListPendingFor(ctx, "B")
		require.NoError(t, err)
		assert.Len(t, pending, 1)

		require.NoError(t, svc.Accept(ctx, "A", "B", "call-42"))
		assert.Equal(t, []string{EventInvite, EventAccept}, pub.eventNames())
		assert.Equal(t, "call-42", pub.lastFor(EventAccept).RoomID)

		pending, err = svc.ListPendingFor(ctx, "A")
		require.NoError(t, err)
		assert.Empty(t, pending)

		// The room resolved; a second accept has nothing to act on.
		assert.ErrorIs(t, svc.Accept(ctx, "A", "B", "call-42"), ErrNoInvite)
	})
}

func TestDeclineAndCancel(t *testing.T) {
	eachBackend(t, func(t *testing.T, svc Service, pub *recordingPublisher) {
		ctx := context.Background()

		require.NoError(t, svc.Invite(ctx, Invite{RoomID: "r1", FromUserID: "A", ToUserID: "B"}))
		require.NoError(t, svc.Decline(ctx, "A", "B", "r1"))
		assert.Contains(t, pub.eventNames(), EventDecline)

		require.NoError(t, svc.Invite(ctx, Invite{RoomID: "r2", FromUserID: "A", ToUserID: "B"}))
		require.NoError(t, svc.Cancel(ctx, "A", "B", "r2"))
		assert.Contains(t, pub.eventNames(), EventCancel)

		assert.ErrorIs(t, svc.Decline(ctx, "A", "B", "r1"), ErrNoInvite)
		assert.ErrorIs(t, svc.Cancel(ctx, "A", "B", "r2"), ErrNoInvite)
	})
}

func TestInviteReplacesPendingForRoom(t *testing.T) {
	eachBackend(t, func(t *testing.T, svc Service, pub *recordingPublisher) {
		ctx := context.Background()

		require.NoError(t, svc.Invite(ctx, Invite{RoomID: "r", FromUserID: "A", ToUserID: "B"}))
		require.NoError(t, svc.Invite(ctx, Invite{RoomID: "r", FromUserID: "C", ToUserID: "D"}))

		pending, err := svc.ListPendingFor(ctx, "C")
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "C", pending[0].FromUserID)

		// The superseded parties no longer index the room.
		pending, err = svc.ListPendingFor(ctx, "A")
		require.NoError(t, err)
		assert.Empty(t, pending)
	})
}

func TestMemoryService_TTLExpiry(t *testing.T) {
	pub := newRecordingPublisher()
	svc := NewMemoryService(30*time.Second, pub)
	now := time.Now().UnixMilli()
	svc.nowMs = func() int64 { return now }

	ctx := context.Background()
	require.NoError(t, svc.Invite(ctx, Invite{RoomID: "r", FromUserID: "A", ToUserID: "B"}))

	svc.nowMs = func() int64 { return now + 31_000 }

	pending, err := svc.ListPendingFor(ctx, "A")
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.ErrorIs(t, svc.Accept(ctx, "A", "B", "r"), ErrNoInvite)
}

func TestRedisService_PersistedLayout(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	svc := NewRedisService(client, 15*time.Minute, nil)
	ctx := context.Background()

	require.NoError(t, svc.Invite(ctx, Invite{
		RoomID:       "call-7",
		FromUserID:   "A",
		ToUserID:     "B",
		FromUsername: "alice",
		FromEmail:    "alice@example.com",
	}))

	assert.Equal(t, "A", mr.HGet("call_invite:call-7", "fromUserId"))
	assert.Equal(t, "alice", mr.HGet("call_invite:call-7", "fromUsername"))
	assert.Equal(t, 15*time.Minute, mr.TTL("call_invite:call-7"))

	members, err := client.ZRange(ctx, "call_invite_user:B", 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"call-7"}, members)

	require.NoError(t, svc.Accept(ctx, "A", "B", "call-7"))
	assert.False(t, mr.Exists("call_invite:call-7"))
	members, err = client.ZRange(ctx, "call_invite_user:B", 0, -1).Result()
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestRedisService_ReplaceDropsPriorIndex(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	svc := NewRedisService(client, 15*time.Minute, nil)
	ctx := context.Background()

	require.NoError(t, svc.Invite(ctx, Invite{RoomID: "call-42", FromUserID: "A", ToUserID: "B"}))
	require.NoError(t, svc.Invite(ctx, Invite{RoomID: "call-42", FromUserID: "C", ToUserID: "D"}))

	// The superseded participants' zsets no longer reference the room.
	for _, uid := range []string{"A", "B"} {
		members, err := client.ZRange(ctx, "call_invite_user:"+uid, 0, -1).Result()
		require.NoError(t, err)
		assert.Empty(t, members, "user %s keeps a dangling index entry", uid)
	}
	members, err := client.ZRange(ctx, "call_invite_user:C", 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"call-42"}, members)
}

func TestRedisService_ExpiredIndexPurgedInline(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	svc := NewRedisService(client, 15*time.Minute, nil)
	ctx := context.Background()

	require.NoError(t, svc.Invite(ctx, Invite{RoomID: "r", FromUserID: "A", ToUserID: "B"}))

	// The hash lapses while the index lingers; the list drops the dangler.
	mr.Del("call_invite:r")
	pending, err := svc.ListPendingFor(ctx, "A")
	require.NoError(t, err)
	assert.Empty(t, pending)

	members, err := client.ZRange(ctx, "call_invite_user:A", 0, -1).Result()
	require.NoError(t, err)
	assert.Empty(t, members)
}
