package bus

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSignal(roomID uuid.UUID, n string) Signal {
	return Signal{
		Type:     SignalOffer,
		SenderID: n,
		RoomID:   roomID.String(),
		SDP:      "v=0 " + n,
		SentAt:   time.Now(),
	}
}

func TestMemoryBus_PublishReachesAllSubscribers(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	roomID := uuid.New()
	ctx := context.Background()

	ch1, cancel1 := b.Subscribe(ctx, roomID)
	defer cancel1()
	ch2, cancel2 := b.Subscribe(ctx, roomID)
	defer cancel2()

	require.NoError(t, b.Publish(ctx, roomID, testSignal(roomID, "alice")))

	for _, ch := range []<-chan Signal{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, "alice", got.SenderID)
			assert.Equal(t, SignalOffer, got.Type)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive signal")
		}
	}
}

func TestMemoryBus_FIFOOrdering(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	roomID := uuid.New()
	ctx := context.Background()

	ch, cancel := b.Subscribe(ctx, roomID)
	defer cancel()

	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, b.Publish(ctx, roomID, testSignal(roomID, name)))
	}
	for _, want := range []string{"a", "b", "c"} {
		select {
		case got := <-ch:
			assert.Equal(t, want, got.SenderID)
		case <-time.After(time.Second):
			t.Fatalf("missing signal %q", want)
		}
	}
}

func TestMemoryBus_NoBackfillForLateSubscriber(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	roomID := uuid.New()
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, roomID, testSignal(roomID, "early")))

	ch, cancel := b.Subscribe(ctx, roomID)
	defer cancel()

	select {
	case sig := <-ch:
		t.Fatalf("late subscriber received backfilled signal from %q", sig.SenderID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBus_RoomsAreIsolated(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()
	roomA, roomB := uuid.New(), uuid.New()

	chA, cancelA := b.Subscribe(ctx, roomA)
	defer cancelA()
	chB, cancelB := b.Subscribe(ctx, roomB)
	defer cancelB()

	require.NoError(t, b.Publish(ctx, roomA, testSignal(roomA, "alice")))

	select {
	case got := <-chA:
		assert.Equal(t, "alice", got.SenderID)
	case <-time.After(time.Second):
		t.Fatal("room A subscriber did not receive signal")
	}
	select {
	case <-chB:
		t.Fatal("signal leaked into another room")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBus_SlowSubscriberDropped(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	roomID := uuid.New()
	ctx := context.Background()

	slow, cancelSlow := b.Subscribe(ctx, roomID)
	defer cancelSlow()
	fast, cancelFast := b.Subscribe(ctx, roomID)
	defer cancelFast()

	total := subscriberBuffer + 1
	fastGot := make(chan int, 1)
	go func() {
		n := 0
		for range total {
			select {
			case <-fast:
				n++
			case <-time.After(time.Second):
				fastGot <- n
				return
			}
		}
		fastGot <- n
	}()

	// Overflow the slow subscriber's queue without draining it.
	for range total {
		require.NoError(t, b.Publish(ctx, roomID, testSignal(roomID, "flood")))
	}

	// The slow stream ends after its buffered backlog.
	drained := 0
	for range slow {
		drained++
	}
	assert.Equal(t, subscriberBuffer, drained)

	// The fast subscriber receives everything even while slow was backed up.
	assert.Equal(t, total, <-fastGot)
}

func TestMemoryBus_CancelIsIdempotent(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	roomID := uuid.New()

	ch, cancel := b.Subscribe(context.Background(), roomID)
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
}

func TestMemoryBus_PublishAfterCloseIsNoop(t *testing.T) {
	b := NewMemoryBus()
	roomID := uuid.New()
	ctx := context.Background()

	ch, cancel := b.Subscribe(ctx, roomID)
	defer cancel()

	require.NoError(t, b.Close())
	require.NoError(t, b.Publish(ctx, roomID, testSignal(roomID, "ghost")))

	_, open := <-ch
	assert.False(t, open, "stream should be closed after bus shutdown")
}

func TestMemoryBus_ChatIsHubLocal(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	roomID := uuid.New()
	ctx := context.Background()

	assert.False(t, b.ChatEnabled())
	require.NoError(t, b.PublishChat(ctx, roomID, ChatEvent{Content: "hi"}))

	ch, cancel := b.SubscribeChat(ctx, roomID)
	select {
	case <-ch:
		t.Fatal("in-process bus must not deliver chat")
	case <-time.After(50 * time.Millisecond):
	}
	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestMemoryBus_Presence(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	roomID := uuid.New()
	ctx := context.Background()

	require.NoError(t, b.UpdatePresence(ctx, roomID, "alice", true))
	require.NoError(t, b.UpdatePresence(ctx, roomID, "bob", true))

	users, err := b.ListPresence(ctx, roomID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, users)

	require.NoError(t, b.UpdatePresence(ctx, roomID, "alice", false))
	users, err = b.ListPresence(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, users)
}

func TestNormalizeSignalType(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{"offer", SignalOffer, false},
		{"  Answer ", SignalAnswer, false},
		{"ice-candidate", SignalICECandidate, false},
		{"icecandidate", SignalICECandidate, false},
		{"ICE_CANDIDATE", SignalICECandidate, false},
		{"Ice Candidate", SignalICECandidate, false},
		{"renegotiate", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := NormalizeSignalType(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSignalType)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
