package friends

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webcall-app/realtime/internal/v1/auth"
	"github.com/webcall-app/realtime/internal/v1/invites"
)

func newTestHub() *Hub {
	return NewHub(HubConfig{Validator: auth.DevValidator{}, AllowGuest: true})
}

// connect registers a socket for the user without a real WebSocket; frames
// are read straight off the send queue.
func connect(h *Hub, userID string) *Client {
	c := newClient(nil, h, userID)
	h.register(c)
	return c
}

func drainFrames(t *testing.T, c *Client) []map[string]any {
	t.Helper()
	var out []map[string]any
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return out
			}
			var frame map[string]any
			require.NoError(t, json.Unmarshal(data, &frame))
			out = append(out, frame)
		default:
			return out
		}
	}
}

func frameTypes(frames []map[string]any) []string {
	types := make([]string, len(frames))
	for i, f := range frames {
		types[i] = f["type"].(string)
	}
	return types
}

func TestSupersedePriorSocket(t *testing.T) {
	h := newTestHub()

	first := connect(h, "u1")
	second := connect(h, "u1")

	assert.Equal(t, CloseSuperseded, first.closeCode)
	drainFrames(t, first)
	_, open := <-first.send
	assert.False(t, open, "superseded socket's queue should be closed")

	// Subsequent events reach only the surviving socket.
	h.PublishFriendRequest("u1", "u2", "Zoe")
	frames := drainFrames(t, second)
	require.Len(t, frames, 1)
	assert.Equal(t, EventFriendRequest, frames[0]["type"])
	assert.Equal(t, "u2", frames[0]["fromUserId"])
	assert.Equal(t, "Zoe", frames[0]["fromUsername"])
}

func TestUnregisterKeepsSuccessor(t *testing.T) {
	h := newTestHub()

	first := connect(h, "u1")
	second := connect(h, "u1")

	// The superseded socket's read loop winds down after the replacement
	// registered; it must not evict the successor.
	h.unregister(first)
	assert.Same(t, second, h.client("u1"))

	h.unregister(second)
	assert.Nil(t, h.client("u1"))
}

func TestCallInviteLifecycleEvents(t *testing.T) {
	h := newTestHub()
	svc := invites.NewMemoryService(30*time.Second, h)
	h.SetInvites(svc)
	ctx := context.Background()

	a := connect(h, "alice")
	b := connect(h, "bob")

	inv := invites.Invite{
		RoomID: "call-42", FromUserID: "alice", ToUserID: "bob",
		FromUsername: "Alice", FromEmail: "alice@example.com",
	}
	require.NoError(t, svc.Invite(ctx, inv))

	for _, c := range []*Client{a, b} {
		frames := drainFrames(t, c)
		require.Len(t, frames, 1)
		assert.Equal(t, invites.EventInvite, frames[0]["type"])
		assert.Equal(t, "call-42", frames[0]["roomId"])
		assert.Equal(t, "Alice", frames[0]["fromUsername"])
		assert.False(t, frames[0]["pendingReplay"] == true)
	}

	pending, err := svc.ListPendingFor(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	require.NoError(t, svc.Accept(ctx, "alice", "bob", "call-42"))
	for _, c := range []*Client{a, b} {
		frames := drainFrames(t, c)
		require.Len(t, frames, 1)
		assert.Equal(t, invites.EventAccept, frames[0]["type"])
	}

	pending, err = svc.ListPendingFor(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPendingInviteReplayedOnConnect(t *testing.T) {
	h := newTestHub()
	svc := invites.NewMemoryService(30*time.Second, h)
	h.SetInvites(svc)
	ctx := context.Background()

	require.NoError(t, svc.Invite(ctx, invites.Invite{
		RoomID: "call-7", FromUserID: "alice", ToUserID: "bob",
	}))

	// Bob connects after the invite landed.
	b := connect(h, "bob")
	h.replayPending(ctx, b)

	frames := drainFrames(t, b)
	require.Len(t, frames, 1)
	assert.Equal(t, invites.EventInvite, frames[0]["type"])
	assert.Equal(t, true, frames[0]["pendingReplay"])
	assert.NotZero(t, frames[0]["createdAt"])
}

func TestCallEndBroadcastWithDefaultReason(t *testing.T) {
	h := newTestHub()
	a := connect(h, "alice")
	b := connect(h, "bob")

	frame, _ := json.Marshal(map[string]string{
		"type": "call_end", "roomId": "call-42", "toUserId": "bob",
	})
	h.route(a, frame)

	for _, c := range []*Client{a, b} {
		frames := drainFrames(t, c)
		require.Len(t, frames, 1)
		assert.Equal(t, EventCallEnd, frames[0]["type"])
		assert.Equal(t, "hangup", frames[0]["reason"])
		assert.Equal(t, "call-42", frames[0]["roomId"])
	}
}

func TestCallEndExplicitReason(t *testing.T) {
	h := newTestHub()
	a := connect(h, "alice")

	frame, _ := json.Marshal(map[string]string{
		"type": "call_end", "roomId": "call-42", "toUserId": "bob", "reason": "declined",
	})
	h.route(a, frame)

	frames := drainFrames(t, a)
	require.Len(t, frames, 1)
	assert.Equal(t, "declined", frames[0]["reason"])
}

func TestPingPong(t *testing.T) {
	h := newTestHub()
	a := connect(h, "alice")

	frame, _ := json.Marshal(map[string]string{"type": "ping"})
	h.route(a, frame)

	frames := drainFrames(t, a)
	require.Equal(t, []string{"pong"}, frameTypes(frames))
}

func TestGuestIdentitiesAreDistinct(t *testing.T) {
	h := newTestHub()

	guest := func() string {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/ws/friends", nil)
		id, ok := h.authenticate(c)
		require.True(t, ok)
		return id
	}

	first := guest()
	second := guest()
	assert.True(t, strings.HasPrefix(first, "guest-"))
	// Two tabs behind one address must not supersede each other.
	assert.NotEqual(t, first, second)
}

func TestDeliverToOfflineUserIsDropped(t *testing.T) {
	h := newTestHub()
	// No socket for bob; must not panic or block.
	h.PublishFriendAccepted("bob", "alice", "Alice")
	h.PublishDirectMessage("bob", "alice", json.RawMessage(`{"cipher":"x"}`))
	h.PublishDirectCleared("bob", "alice")
	h.PublishFriendRemoved("bob", "alice")
	h.PublishFriendCancelled("bob", "alice")
}
