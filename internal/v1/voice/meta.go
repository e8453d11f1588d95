// Package voice implements the voice-capture data plane: chunk collection,
// transcript storage with TTL eviction, meta-timestamp encoding, and the
// one-shot ASR call that turns buffered audio into text.
package voice

import (
	"fmt"
	"strconv"
	"strings"
)

// Meta carries the capture timestamps attached to a finalized transcript.
// CaptureTs is authoritative for freshness checks. The remaining fields are
// optional; zero means absent.
type Meta struct {
	CaptureTs   int64
	Session     int64
	ClientTs    int64
	StartCtrlTs int64
}

// Encode renders the wire form used at the WebSocket boundary:
//
//	[meta captureTs=<ms> session=<n>? clientTs=<ms>? startCtrlTs=<ms>?]
func (m Meta) Encode() string {
	var b strings.Builder
	b.WriteString("[meta captureTs=")
	b.WriteString(strconv.FormatInt(m.CaptureTs, 10))
	if m.Session != 0 {
		fmt.Fprintf(&b, " session=%d", m.Session)
	}
	if m.ClientTs != 0 {
		fmt.Fprintf(&b, " clientTs=%d", m.ClientTs)
	}
	if m.StartCtrlTs != 0 {
		fmt.Fprintf(&b, " startCtrlTs=%d", m.StartCtrlTs)
	}
	b.WriteString("]")
	return b.String()
}

// Prefix prepends the encoded meta block to text.
func (m Meta) Prefix(text string) string {
	return m.Encode() + " " + text
}

// ParseMeta splits a transcript into its meta block and remaining text.
// Returns ok=false (and the input unchanged as text) when no meta prefix is
// present or the prefix is malformed.
func ParseMeta(transcript string) (Meta, string, bool) {
	const open = "[meta "
	if !strings.HasPrefix(transcript, open) {
		return Meta{}, transcript, false
	}
	end := strings.IndexByte(transcript, ']')
	if end < 0 {
		return Meta{}, transcript, false
	}

	var m Meta
	seenCapture := false
	for _, field := range strings.Fields(transcript[len(open):end]) {
		k, v, found := strings.Cut(field, "=")
		if !found {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		switch k {
		case "captureTs":
			m.CaptureTs = n
			seenCapture = true
		case "session":
			m.Session = n
		case "clientTs":
			m.ClientTs = n
		case "startCtrlTs":
			m.StartCtrlTs = n
		}
	}
	if !seenCapture {
		return Meta{}, transcript, false
	}
	return m, strings.TrimSpace(transcript[end+1:]), true
}

// Technical transcript placeholders. They are diagnostics, never AI input,
// and never replace a prior valid transcript.
const (
	PlaceholderNoChunks = "(no audio chunks)"
	placeholderASR      = "(asr "
	placeholderNoAudio  = "(no audio"
)

// IsTechnical reports whether text is a transcript placeholder rather than
// speech.
func IsTechnical(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	return strings.HasPrefix(t, placeholderNoAudio) || strings.HasPrefix(t, placeholderASR)
}
