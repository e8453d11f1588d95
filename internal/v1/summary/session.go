package summary

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/webcall-app/realtime/internal/v1/voice"
)

const (
	// metaStaleSlackMs tolerates capture clocks slightly behind the window
	// start.
	metaStaleSlackMs = 150
	// noMetaWindowMs bounds how long after start a meta-less transcript is
	// still attributable to this window.
	noMetaWindowMs = 10_000
)

// voiceSegment is one attached transcript. Carried segments were inherited
// from a prior window (preservation or fast-restart reuse) and yield to the
// first fresh transcript of the new window.
type voiceSegment struct {
	text    string
	carried bool
}

// UserAgentSession is the per-(room,user) summarization window. It ingests
// chat bounded by [startTs, endTs] and voice transcripts bounded by the
// freshness rules, then dispatches to a summary strategy.
type UserAgentSession struct {
	mu      sync.Mutex
	roomID  uuid.UUID
	userID  string
	startTs int64
	endTs   int64 // 0 while active
	msgs    []ChatMessage
	segs    []voiceSegment
}

func newUserAgentSession(roomID uuid.UUID, userID string, startTs int64) *UserAgentSession {
	return &UserAgentSession{roomID: roomID, userID: userID, startTs: startTs}
}

func (s *UserAgentSession) StartTs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startTs
}

func (s *UserAgentSession) EndTs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endTs
}

func (s *UserAgentSession) ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endTs != 0
}

// stop stamps the end of the window; idempotent.
func (s *UserAgentSession) stop(nowMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endTs == 0 {
		s.endTs = nowMs
	}
}

// addChat ingests a message iff startTs <= ts <= endTs (endTs unbounded while
// active). Returns whether the message was accepted.
func (s *UserAgentSession) addChat(msg ChatMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Ts < s.startTs {
		return false
	}
	if s.endTs != 0 && msg.Ts > s.endTs {
		return false
	}
	s.msgs = append(s.msgs, msg)
	return true
}

func (s *UserAgentSession) hasChat() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs) > 0
}

func (s *UserAgentSession) hasVoice() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.segs) > 0
}

func (s *UserAgentSession) voiceTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.segs))
	for _, seg := range s.segs {
		out = append(out, seg.text)
	}
	return out
}

// attachVoice inserts a segment with overlap resolution: a new text that
// contains a prior segment replaces it; a new text already contained in a
// prior segment is dropped.
func (s *UserAgentSession) attachVoice(text string, carried bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachVoiceLocked(text, carried)
}

func (s *UserAgentSession) attachVoiceLocked(text string, carried bool) {
	kept := s.segs[:0]
	for _, seg := range s.segs {
		if strings.Contains(seg.text, text) {
			return // already covered
		}
		if strings.Contains(text, seg.text) {
			continue // superseded by the new segment
		}
		kept = append(kept, seg)
	}
	s.segs = append(kept, voiceSegment{text: text, carried: carried})
}

// acceptVoice applies the freshness rules and, on acceptance, drops carried
// segments before attaching: fresh speech from this window supersedes
// anything inherited from the previous one.
func (s *UserAgentSession) acceptVoice(text string, captureTs int64, hasMeta bool, nowMs int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if hasMeta {
		if captureTs < s.startTs-metaStaleSlackMs {
			return false
		}
	} else {
		if len(s.segs) > 0 || nowMs-s.startTs > noMetaWindowMs {
			return false
		}
	}

	kept := s.segs[:0]
	for _, seg := range s.segs {
		if !seg.carried {
			kept = append(kept, seg)
		}
	}
	s.segs = kept
	s.attachVoiceLocked(text, false)
	return true
}

// snapshot copies the window state for a build outside the lock.
func (s *UserAgentSession) snapshot() (msgs []ChatMessage, voiceTexts []string, startTs, endTs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs = make([]ChatMessage, len(s.msgs))
	copy(msgs, s.msgs)
	for _, seg := range s.segs {
		voiceTexts = append(voiceTexts, seg.text)
	}
	return msgs, voiceTexts, s.startTs, s.endTs
}

// buildSummary dispatches the window content to a strategy:
// voice-only, chat-only, or combined, depending on what is informative.
func (s *UserAgentSession) buildSummary(ctx context.Context, provider Provider, opts Options, systemPrompt string) SummaryResult {
	msgs, voiceTexts, startTs, endTs := s.snapshot()

	if endTs != 0 {
		bounded := msgs[:0]
		for _, m := range msgs {
			if m.Ts <= endTs {
				bounded = append(bounded, m)
			}
		}
		msgs = bounded
	}

	mergedVoice := mergeVoice(voiceTexts)
	voiceInformative := len(mergedVoice) >= 10 && !voice.IsTechnical(mergedVoice)
	usableChat := usableMessages(msgs)

	baseTs := startTs
	if len(msgs) > 0 {
		baseTs = msgs[len(msgs)-1].Ts + 1
	}

	switch {
	case len(usableChat) == 0 && voiceInformative:
		// No real chat: summarize speech alone.
		pseudo := voicePseudoMessages(splitSentences(mergedVoice, maxVoiceSents), baseTs)
		return runStrategy(ctx, provider, opts, systemPrompt, s.roomID, pseudo, modeVoiceChat)
	case voiceInformative:
		pseudo := voicePseudoMessages(splitSentences(mergedVoice, maxVoiceSents), baseTs)
		return runStrategy(ctx, provider, opts, systemPrompt, s.roomID, append(msgs, pseudo...), modeVoiceChat)
	default:
		return runStrategy(ctx, provider, opts, systemPrompt, s.roomID, msgs, modeChat)
	}
}

// mergeVoice joins the non-technical segments; when every segment is a
// placeholder, joins them all so the caller can still see the diagnostics.
func mergeVoice(texts []string) string {
	var real []string
	for _, t := range texts {
		if !voice.IsTechnical(t) {
			real = append(real, t)
		}
	}
	if len(real) > 0 {
		return strings.Join(real, " ")
	}
	return strings.Join(texts, " ")
}
