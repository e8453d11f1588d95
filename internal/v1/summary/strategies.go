package summary

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/webcall-app/realtime/internal/v1/logging"
	"github.com/webcall-app/realtime/internal/v1/metrics"
	"github.com/webcall-app/realtime/internal/v1/voice"
)

const (
	heuristicPrefix  = "Recent conversation (no AI summary):"
	maxHeuristicRows = 10
	maxSourceRows    = 5
	maxVoiceSents    = 5

	// smallDialogMaxMsgs lets short but real exchanges reach the AI even
	// below the MinChars threshold.
	smallDialogMaxMsgs  = 5
	smallDialogMinChars = 10
)

// strategyMode labels the dispatch for metrics.
type strategyMode string

const (
	modeChat      strategyMode = "chat"
	modeVoiceChat strategyMode = "voice_chat"
	modeVoiceOnly strategyMode = "voice_fallback"
)

func formatLine(m ChatMessage) string {
	name := m.AuthorName
	if name == "" {
		name = m.AuthorID
	}
	if name == "" {
		name = "anonymous"
	}
	return name + ": " + m.Content
}

// usableMessages drops technical placeholder content.
func usableMessages(msgs []ChatMessage) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == "" || voice.IsTechnical(m.Content) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func heuristicText(msgs []ChatMessage) string {
	start := len(msgs) - maxHeuristicRows
	if start < 0 {
		start = 0
	}
	lines := make([]string, 0, maxHeuristicRows+1)
	lines = append(lines, heuristicPrefix)
	for _, m := range msgs[start:] {
		lines = append(lines, "- "+formatLine(m))
	}
	return strings.Join(lines, "\n")
}

func sourceLines(msgs []ChatMessage) []string {
	start := len(msgs) - maxSourceRows
	if start < 0 {
		start = 0
	}
	out := make([]string, 0, maxSourceRows)
	for _, m := range msgs[start:] {
		out = append(out, formatLine(m))
	}
	return out
}

func appendSources(text, label string, sources []string) string {
	if len(sources) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	b.WriteString("\n\nSources (")
	b.WriteString(label)
	b.WriteString("):")
	for _, s := range sources {
		b.WriteString("\n- ")
		b.WriteString(s)
	}
	return b.String()
}

// participantStats computes per-author counts with the last two messages as
// samples, sorted by descending count then by name.
func participantStats(msgs []ChatMessage) []ParticipantStat {
	byName := make(map[string]*ParticipantStat)
	order := make([]string, 0)
	for _, m := range msgs {
		name := m.AuthorName
		if name == "" {
			name = m.AuthorID
		}
		if name == "" {
			name = "anonymous"
		}
		st := byName[name]
		if st == nil {
			st = &ParticipantStat{Name: name}
			byName[name] = st
			order = append(order, name)
		}
		st.Count++
		st.Samples = append(st.Samples, m.Content)
		if len(st.Samples) > 2 {
			st.Samples = st.Samples[len(st.Samples)-2:]
		}
	}

	out := make([]ParticipantStat, 0, len(order))
	for _, name := range order {
		out = append(out, *byName[name])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// runStrategy is the body shared by the chat and voice+chat strategies:
// AI when the content clears the threshold, heuristic tail otherwise, always
// followed by a sources block.
func runStrategy(ctx context.Context, provider Provider, opts Options, systemPrompt string,
	roomID uuid.UUID, msgs []ChatMessage, mode strategyMode) SummaryResult {

	usable := usableMessages(msgs)
	if len(usable) == 0 {
		return SummaryResult{RoomID: roomID, GeneratedAt: time.Now()}
	}

	totalChars := 0
	for _, m := range usable {
		totalChars += len(m.Content)
	}
	smallDialog := len(usable) <= smallDialogMaxMsgs && totalChars >= smallDialogMinChars
	aiEligible := opts.AIEnabled && provider != nil && (totalChars >= opts.MinChars || smallDialog)

	var text string
	if aiEligible {
		aiText, err := provider.Summarize(ctx, systemPrompt, usable)
		switch {
		case err != nil:
			logging.Warn(ctx, "ai summary failed, using heuristic", zap.Error(err))
			text = fmt.Sprintf("[AI error: %v]\n%s", err, heuristicText(usable))
		case aiText == "":
			text = heuristicText(usable)
		default:
			text = aiText
		}
	} else {
		text = heuristicText(usable)
	}

	sources := sourceLines(usable)
	result := SummaryResult{
		RoomID:       roomID,
		MessageCount: len(usable),
		GeneratedAt:  time.Now(),
		Text:         appendSources(text, "last", sources),
		Sources:      sources,
		UsedVoice:    mode != modeChat,
	}
	if opts.ParticipantBreakdown {
		result.Participants = participantStats(usable)
	}
	metrics.SummariesBuilt.WithLabelValues(string(mode)).Inc()
	return result
}

// splitSentences breaks merged voice text on sentence-terminal punctuation,
// keeping at most max sentences.
func splitSentences(text string, max int) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		s := strings.TrimSpace(cur.String())
		cur.Reset()
		if s != "" {
			out = append(out, s)
		}
	}
	for _, r := range text {
		cur.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			flush()
			if len(out) == max {
				return out
			}
		}
	}
	flush()
	if len(out) > max {
		out = out[:max]
	}
	return out
}

// voicePseudoMessages turns sentences into messages attributed to "voice" so
// the chat strategies can consume them.
func voicePseudoMessages(sentences []string, baseTs int64) []ChatMessage {
	out := make([]ChatMessage, 0, len(sentences))
	for i, s := range sentences {
		out = append(out, ChatMessage{
			AuthorName: "voice",
			Content:    s,
			Ts:         baseTs + int64(i),
		})
	}
	return out
}
