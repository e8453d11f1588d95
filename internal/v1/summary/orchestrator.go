package summary

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/webcall-app/realtime/internal/v1/logging"
	"github.com/webcall-app/realtime/internal/v1/metrics"
	"github.com/webcall-app/realtime/internal/v1/store"
	"github.com/webcall-app/realtime/internal/v1/voice"
)

const (
	// lazyAttachSlack tolerates a transcript finalized just before the
	// window started.
	lazyAttachSlack = 100 * time.Millisecond
	// fastRestartReuse is how long a just-attached transcript survives a
	// window restart.
	fastRestartReuse = 7 * time.Second
)

type lastVoiceRec struct {
	text string
	atMs int64
}

// Orchestrator owns the per-(room,user) summarization sessions and drives the
// personal summary flow: recovery, auto-resume, lazy attachment, pending-wait
// polling, second-chance fetch, and the voice fallback.
type Orchestrator struct {
	log       *MessageLog
	collector *voice.Collector
	provider  Provider
	prompts   store.PromptStore
	opts      Options

	// mu guards the maps only; sessions carry their own lock and summary
	// builds run unlocked.
	mu        sync.Mutex
	sessions  map[uuid.UUID]map[string]*UserAgentSession
	lastVoice map[string]lastVoiceRec

	nowMs        func() int64
	pollInterval time.Duration
	pollBudget   time.Duration
}

// NewOrchestrator wires the orchestrator. provider and prompts may be nil:
// strategies then run heuristically and prompt lookups are skipped.
func NewOrchestrator(log *MessageLog, collector *voice.Collector, provider Provider, prompts store.PromptStore, opts Options) *Orchestrator {
	if opts.MaxMessages <= 0 {
		// Same default NewMessageLog applies, so a zero config never makes
		// room summaries read an empty tail.
		opts.MaxMessages = 4000
	}
	return &Orchestrator{
		log:          log,
		collector:    collector,
		provider:     provider,
		prompts:      prompts,
		opts:         opts,
		sessions:     make(map[uuid.UUID]map[string]*UserAgentSession),
		lastVoice:    make(map[string]lastVoiceRec),
		nowMs:        func() int64 { return time.Now().UnixMilli() },
		pollInterval: 350 * time.Millisecond,
		pollBudget:   2500 * time.Millisecond,
	}
}

func sessionKey(roomID uuid.UUID, userID string) string {
	return roomID.String() + ":" + userID
}

func (o *Orchestrator) session(roomID uuid.UUID, userID string) *UserAgentSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessions[roomID][userID]
}

func (o *Orchestrator) install(s *UserAgentSession) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.installLocked(s)
}

func (o *Orchestrator) installLocked(s *UserAgentSession) {
	byUser := o.sessions[s.roomID]
	if byUser == nil {
		byUser = make(map[string]*UserAgentSession)
		o.sessions[s.roomID] = byUser
	}
	byUser[s.userID] = s
}

func (o *Orchestrator) recordLastVoice(roomID uuid.UUID, userID, text string, atMs int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastVoice[sessionKey(roomID, userID)] = lastVoiceRec{text: text, atMs: atMs}
}

// StartUserWindow opens a fresh window for (room,user), superseding any prior
// session. Voice segments of a chat-less prior window are preserved into the
// new one as carried segments, and a transcript attached within the last
// seven seconds is reused the same way.
func (o *Orchestrator) StartUserWindow(roomID uuid.UUID, userID string) {
	now := o.nowMs()

	o.mu.Lock()
	defer o.mu.Unlock()

	old := o.sessions[roomID][userID]
	s := newUserAgentSession(roomID, userID, now)
	if old != nil {
		old.stop(now)
		if old.hasVoice() && !old.hasChat() {
			// Just-completed speech whose chat context had not arrived yet.
			for _, t := range old.voiceTexts() {
				s.attachVoice(t, true)
			}
		}
	}
	if !s.hasVoice() {
		if rec, ok := o.lastVoice[sessionKey(roomID, userID)]; ok &&
			now-rec.atMs <= fastRestartReuse.Milliseconds() && !voice.IsTechnical(rec.text) {
			s.attachVoice(rec.text, true)
		}
	}
	o.installLocked(s)
}

// EndUserWindow stamps the end of the user's window; a later summary request
// may still auto-resume it when new activity arrived.
func (o *Orchestrator) EndUserWindow(roomID uuid.UUID, userID string) {
	if s := o.session(roomID, userID); s != nil {
		s.stop(o.nowMs())
	}
}

// AddChat appends the message to the room's log and offers it to every active
// session of the room; each session enforces its own window bounds.
func (o *Orchestrator) AddChat(roomID uuid.UUID, authorID, authorName, content string) ChatMessage {
	msg := ChatMessage{
		AuthorID:   authorID,
		AuthorName: authorName,
		Content:    content,
		Ts:         o.nowMs(),
	}
	o.log.Append(roomID, msg)

	o.mu.Lock()
	targets := make([]*UserAgentSession, 0, len(o.sessions[roomID]))
	for _, s := range o.sessions[roomID] {
		targets = append(targets, s)
	}
	o.mu.Unlock()

	for _, s := range targets {
		s.addChat(msg)
	}
	return msg
}

// AddVoiceTranscript ingests a finalized transcript for (room,user), creating
// a session when none exists. Technical placeholders are never attached.
// Returns whether the transcript was accepted.
func (o *Orchestrator) AddVoiceTranscript(roomID uuid.UUID, transcript, userID string) bool {
	now := o.nowMs()

	s := o.session(roomID, userID)
	if s == nil {
		s = newUserAgentSession(roomID, userID, now)
		o.install(s)
	}

	meta, text, hasMeta := voice.ParseMeta(transcript)
	if strings.TrimSpace(text) == "" || voice.IsTechnical(text) {
		return false
	}
	if !s.acceptVoice(text, meta.CaptureTs, hasMeta, now) {
		logging.Debug(context.Background(), "voice transcript rejected as stale",
			zap.String("room", roomID.String()), zap.String("user", logging.RedactEmail(userID)))
		return false
	}
	o.recordLastVoice(roomID, userID, text, now)
	return true
}

// BuildPersonalSummary runs the personal summary flow for (room,user).
func (o *Orchestrator) BuildPersonalSummary(ctx context.Context, roomID uuid.UUID, userID string) SummaryResult {
	captureKey := voice.CaptureKey(roomID.String(), userID)
	s := o.session(roomID, userID)

	// Emergency recovery: no session, but a transcript may be waiting.
	if s == nil {
		if text, ok := o.freshTranscriptText(captureKey, 0); ok {
			s = newUserAgentSession(roomID, userID, o.nowMs())
			s.attachVoice(text, false)
			o.install(s)
			o.recordLastVoice(roomID, userID, text, o.nowMs())
		} else {
			return SummaryResult{RoomID: roomID, GeneratedAt: time.Now()}
		}
	}

	// Auto-resume: the window ended but the room moved on without a restart.
	if s.ended() {
		if ns := o.resume(s, captureKey); ns != nil {
			s = ns
		}
	}

	// Lazy attachment: capture finalized after the window opened but was
	// never posted to us.
	o.lazyAttach(s, captureKey)

	systemPrompt := o.systemPrompt(ctx, userID)
	res := s.buildSummary(ctx, o.provider, o.opts, systemPrompt)

	// Pending-wait: the capture pipeline may still be finalizing.
	if res.Empty() {
		res = o.pendingWait(ctx, s, captureKey, systemPrompt)
	}

	// Second chance: one last fetch under the lazy freshness rule.
	if res.Empty() {
		if o.lazyAttach(s, captureKey) {
			res = s.buildSummary(ctx, o.provider, o.opts, systemPrompt)
		}
	}

	// Voice fallback: segments exist but no strategy produced text.
	if res.Empty() && s.hasVoice() {
		res = o.voiceFallback(ctx, s, systemPrompt)
	}
	return res
}

// resume builds a successor session when chat or voice arrived after endTs.
func (o *Orchestrator) resume(s *UserAgentSession, captureKey string) *UserAgentSession {
	endTs := s.EndTs()
	newChat := o.log.Since(s.roomID, endTs)

	var freshVoice string
	if tr, ok := o.collector.GetTranscript(captureKey); ok && tr.GeneratedAt.After(time.UnixMilli(endTs)) {
		if _, text, _ := voice.ParseMeta(tr.Text); strings.TrimSpace(text) != "" && !voice.IsTechnical(text) {
			freshVoice = text
		}
	}
	if len(newChat) == 0 && freshVoice == "" {
		return nil
	}

	startTs := o.nowMs()
	if len(newChat) > 0 && newChat[0].Ts < startTs {
		startTs = newChat[0].Ts
	}
	ns := newUserAgentSession(s.roomID, s.userID, startTs)
	for _, m := range newChat {
		ns.addChat(m)
	}
	if freshVoice != "" {
		ns.attachVoice(freshVoice, false)
		o.recordLastVoice(s.roomID, s.userID, freshVoice, o.nowMs())
	}
	o.install(ns)
	return ns
}

// lazyAttach pulls the stored transcript into a voice-less session when it is
// fresh enough. Returns whether a segment was attached.
func (o *Orchestrator) lazyAttach(s *UserAgentSession, captureKey string) bool {
	if s.hasVoice() {
		return false
	}
	text, ok := o.freshTranscriptText(captureKey, s.StartTs())
	if !ok {
		return false
	}
	s.attachVoice(text, false)
	o.recordLastVoice(s.roomID, s.userID, text, o.nowMs())
	return true
}

// freshTranscriptText reads the collector and returns the stripped text when
// it is non-technical and generated no earlier than startTs minus slack.
// startTs 0 skips the freshness check.
func (o *Orchestrator) freshTranscriptText(captureKey string, startTs int64) (string, bool) {
	tr, ok := o.collector.GetTranscript(captureKey)
	if !ok {
		return "", false
	}
	if startTs != 0 && tr.GeneratedAt.Before(time.UnixMilli(startTs).Add(-lazyAttachSlack)) {
		return "", false
	}
	_, text, _ := voice.ParseMeta(tr.Text)
	if strings.TrimSpace(text) == "" || voice.IsTechnical(text) {
		return "", false
	}
	return text, true
}

// pendingWait polls the collector for a late transcript, bounded by the poll
// budget, rebuilding once one attaches.
func (o *Orchestrator) pendingWait(ctx context.Context, s *UserAgentSession, captureKey, systemPrompt string) SummaryResult {
	deadline := time.Now().Add(o.pollBudget)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return SummaryResult{RoomID: s.roomID, GeneratedAt: time.Now()}
		case <-time.After(o.pollInterval):
		}
		if o.lazyAttach(s, captureKey) {
			if res := s.buildSummary(ctx, o.provider, o.opts, systemPrompt); !res.Empty() {
				return res
			}
		}
	}
	return SummaryResult{RoomID: s.roomID, GeneratedAt: time.Now()}
}

// voiceFallback summarizes short voice content that no strategy accepted:
// up to five sentences passed to the AI as pseudo-messages, else a plain
// heuristic block.
func (o *Orchestrator) voiceFallback(ctx context.Context, s *UserAgentSession, systemPrompt string) SummaryResult {
	merged := mergeVoice(s.voiceTexts())
	if voice.IsTechnical(merged) || strings.TrimSpace(merged) == "" {
		return SummaryResult{RoomID: s.roomID, GeneratedAt: time.Now()}
	}
	sentences := splitSentences(merged, maxVoiceSents)
	pseudo := voicePseudoMessages(sentences, s.StartTs())

	var text string
	if o.opts.AIEnabled && o.provider != nil {
		aiText, err := o.provider.Summarize(ctx, systemPrompt, pseudo)
		if err != nil {
			logging.Warn(ctx, "voice fallback ai call failed", zap.Error(err))
		} else {
			text = strings.TrimSpace(aiText)
		}
	}
	if text == "" {
		text = heuristicText(pseudo)
	}

	metrics.SummariesBuilt.WithLabelValues(string(modeVoiceOnly)).Inc()
	return SummaryResult{
		RoomID:       s.roomID,
		MessageCount: len(pseudo),
		GeneratedAt:  time.Now(),
		Text:         appendSources(text, "voice", sentences),
		Sources:      sentences,
		UsedVoice:    true,
	}
}

// Summarize builds a room-wide summary from the message log tail. The log is
// left untouched; repeated calls see the same history.
func (o *Orchestrator) Summarize(ctx context.Context, roomID uuid.UUID) SummaryResult {
	msgs := o.log.Tail(roomID, o.opts.MaxMessages)
	return runStrategy(ctx, o.provider, o.opts, "", roomID, msgs, modeChat)
}

func (o *Orchestrator) systemPrompt(ctx context.Context, userID string) string {
	if o.prompts == nil {
		return ""
	}
	prompt, err := o.prompts.SystemPrompt(ctx, userID)
	if err != nil {
		return "" // best effort; the default prompt covers the gap
	}
	return prompt
}
