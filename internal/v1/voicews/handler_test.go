package voicews

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webcall-app/realtime/internal/v1/auth"
	"github.com/webcall-app/realtime/internal/v1/ids"
	"github.com/webcall-app/realtime/internal/v1/store"
	"github.com/webcall-app/realtime/internal/v1/summary"
	"github.com/webcall-app/realtime/internal/v1/voice"
)

type stubTranscriber struct{ text string }

func (s stubTranscriber) Transcribe(_ context.Context, chunks [][]byte) string {
	if len(chunks) == 0 {
		return voice.PlaceholderNoChunks
	}
	return s.text
}

// mockConn records written frames; reads are never used because tests drive
// the capture handlers directly.
type mockConn struct {
	mu      sync.Mutex
	written []map[string]any
}

func (m *mockConn) ReadMessage() (int, []byte, error) { select {} }
func (m *mockConn) WriteMessage(_ int, data []byte) error {
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	m.mu.Lock()
	m.written = append(m.written, frame)
	m.mu.Unlock()
	return nil
}
func (m *mockConn) Close() error                      { return nil }
func (m *mockConn) SetWriteDeadline(time.Time) error  { return nil }
func (m *mockConn) frames() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]map[string]any(nil), m.written...)
}

func newTestHandler(transcript string) (*Handler, *voice.Collector, *summary.Orchestrator) {
	collector := voice.NewCollector()
	orch := summary.NewOrchestrator(
		summary.NewMessageLog(100), collector, nil, store.Noop{}, summary.Options{},
	)
	h := NewHandler(HandlerConfig{
		Validator:    auth.DevValidator{},
		Collector:    collector,
		Transcriber:  stubTranscriber{text: transcript},
		Orchestrator: orch,
		Enabled:      true,
		MaxTotalMB:   30,
		AllowGuest:   true,
	})
	h.spuriousStopWindow = 0
	h.postStopGrace = 40 * time.Millisecond
	h.noAudioAfter = 30 * time.Millisecond
	h.autoTriggerDelay = 10 * time.Millisecond
	return h, collector, orch
}

func startFrame(session, ts int64) []byte {
	data, _ := json.Marshal(controlFrame{Type: "start", Session: session, Ts: ts})
	return data
}

func stopFrame() []byte {
	data, _ := json.Marshal(controlFrame{Type: "stop"})
	return data
}

func TestImplicitStartAndFinalizeOnStop(t *testing.T) {
	h, collector, _ := newTestHandler("Discussing the launch checklist today.")
	cp := newCapture(h, &mockConn{}, "R", "u1")

	// Binary frame before any control start.
	require.False(t, cp.handleChunk([]byte("opus-bytes")))
	assert.True(t, cp.started)

	done := cp.handleControl(stopFrame())
	assert.True(t, done)

	tr, ok := collector.GetTranscript(cp.key)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(tr.Text, "[meta captureTs="))
	assert.Contains(t, tr.Text, "Discussing the launch checklist today.")

	// The buffered chunks were drained.
	assert.Empty(t, collector.GetAndClearChunks(cp.key))
}

func TestFinalizedTranscriptReachesOrchestrator(t *testing.T) {
	h, _, orch := newTestHandler("Planning the migration to the new cluster.")
	cp := newCapture(h, &mockConn{}, "R", "u1")

	cp.handleChunk([]byte("opus"))
	cp.handleControl(stopFrame())

	res := orch.BuildPersonalSummary(context.Background(), ids.CanonicalRoomID("R"), "u1")
	require.False(t, res.Empty())
	assert.Contains(t, res.Text, "Planning the migration")
	assert.True(t, res.UsedVoice)
}

func TestSpuriousStopIgnored(t *testing.T) {
	h, _, _ := newTestHandler("irrelevant")
	h.spuriousStopWindow = time.Minute
	cp := newCapture(h, &mockConn{}, "R", "u1")

	cp.handleControl(startFrame(0, 0))
	done := cp.handleControl(stopFrame())
	assert.False(t, done)
	assert.False(t, cp.finalized)

	// The session continues: bytes then a real stop finalize normally.
	cp.handleChunk([]byte("opus"))
	done = cp.handleControl(stopFrame())
	assert.True(t, done)
	assert.True(t, cp.finalized)
}

func TestPostStopGraceFinalizesEmpty(t *testing.T) {
	h, collector, orch := newTestHandler("irrelevant")
	cp := newCapture(h, &mockConn{}, "R", "u1")

	cp.handleControl(startFrame(0, 0))
	done := cp.handleControl(stopFrame())
	assert.False(t, done, "stop with no bytes waits out the grace period")

	require.Eventually(t, func() bool {
		cp.mu.Lock()
		defer cp.mu.Unlock()
		return cp.finalized
	}, time.Second, 5*time.Millisecond)

	tr, ok := collector.GetTranscript(cp.key)
	require.True(t, ok)
	assert.Contains(t, tr.Text, voice.PlaceholderNoChunks)

	// Technical placeholders never reach the summarization plane.
	res := orch.BuildPersonalSummary(context.Background(), ids.CanonicalRoomID("R"), "u1")
	assert.True(t, res.Empty())
}

func TestGraceChunkFinalizesWithAudio(t *testing.T) {
	h, collector, _ := newTestHandler("Late chunk arrived in time.")
	h.postStopGrace = time.Minute
	cp := newCapture(h, &mockConn{}, "R", "u1")

	cp.handleControl(startFrame(0, 0))
	cp.handleControl(stopFrame())

	// The in-flight chunk lands inside the grace window.
	done := cp.handleChunk([]byte("opus"))
	assert.True(t, done)

	tr, ok := collector.GetTranscript(cp.key)
	require.True(t, ok)
	assert.Contains(t, tr.Text, "Late chunk arrived in time.")
}

func TestNoAudioDiagnosticIsOneShot(t *testing.T) {
	h, _, _ := newTestHandler("irrelevant")
	conn := &mockConn{}
	cp := newCapture(h, conn, "R", "u1")

	cp.handleControl(startFrame(0, 0))

	require.Eventually(t, func() bool {
		return len(conn.frames()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "no-audio", conn.frames()[0]["type"])

	time.Sleep(2 * h.noAudioAfter)
	assert.Len(t, conn.frames(), 1)
	cp.teardown()
}

func TestNoDiagnosticWhenBytesArriveInTime(t *testing.T) {
	h, _, _ := newTestHandler("irrelevant")
	conn := &mockConn{}
	cp := newCapture(h, conn, "R", "u1")

	cp.handleControl(startFrame(0, 0))
	cp.handleChunk([]byte("opus"))

	time.Sleep(2 * h.noAudioAfter)
	assert.Empty(t, conn.frames())
	cp.teardown()
}

func TestByteLimitFinalizesAndDisconnects(t *testing.T) {
	h, _, _ := newTestHandler("capped")
	h.maxTotalBytes = 8
	cp := newCapture(h, &mockConn{}, "R", "u1")

	done := cp.handleChunk(make([]byte, 16))
	assert.True(t, done)
	assert.True(t, cp.finalized)
}

func TestDisconnectMidCaptureFinalizes(t *testing.T) {
	h, collector, _ := newTestHandler("Interrupted but preserved.")
	cp := newCapture(h, &mockConn{}, "R", "u1")

	cp.handleChunk([]byte("opus"))
	cp.handleDisconnect()

	tr, ok := collector.GetTranscript(cp.key)
	require.True(t, ok)
	assert.Contains(t, tr.Text, "Interrupted but preserved.")
}

func TestAutoTriggerScheduledAfterInformativeFinalize(t *testing.T) {
	h, _, _ := newTestHandler("Trigger the summary for me.")

	var mu sync.Mutex
	var gotRoom uuid.UUID
	var gotUser string
	h.autoTrigger = func(roomID uuid.UUID, userID string) {
		mu.Lock()
		gotRoom, gotUser = roomID, userID
		mu.Unlock()
	}

	cp := newCapture(h, &mockConn{}, "R", "u1")
	cp.handleChunk([]byte("opus"))
	cp.handleControl(stopFrame())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotUser == "u1"
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, ids.CanonicalRoomID("R"), gotRoom)
	mu.Unlock()
}

func TestMetaPrefixCarriesControlFields(t *testing.T) {
	h, collector, _ := newTestHandler("Session details recorded.")
	cp := newCapture(h, &mockConn{}, "R", "u1")

	cp.handleControl(startFrame(3, 111))
	cp.handleChunk([]byte("opus"))
	cp.handleControl(stopFrame())

	tr, ok := collector.GetTranscript(cp.key)
	require.True(t, ok)
	assert.Contains(t, tr.Text, "session=3")
	assert.Contains(t, tr.Text, "startCtrlTs=111")

	meta, rest, hasMeta := voice.ParseMeta(tr.Text)
	require.True(t, hasMeta)
	assert.Equal(t, int64(3), meta.Session)
	assert.Equal(t, int64(111), meta.StartCtrlTs)
	assert.Equal(t, "Session details recorded.", rest)
}

func TestAnonymousCaptureKeyOmitsUser(t *testing.T) {
	h, _, _ := newTestHandler("irrelevant")
	cp := newCapture(h, &mockConn{}, "R", "")
	assert.Equal(t, ids.CanonicalRoomID("R").String(), cp.key)

	withUser := newCapture(h, &mockConn{}, "R", "u1")
	assert.Equal(t, ids.CanonicalRoomID("R").String()+":u1", withUser.key)
}
