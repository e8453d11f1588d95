package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/webcall-app/realtime/internal/v1/logging"
)

// Transcriber converts concatenated audio chunks into text.
type Transcriber interface {
	// Transcribe returns the recognized text, or a technical placeholder.
	// It never returns an error: failures degrade to placeholders so the
	// capture pipeline always produces a transcript.
	Transcribe(ctx context.Context, chunks [][]byte) string
}

// ASRCaller performs a one-shot transcription against the OpenAI audio API.
// A caller constructed without an API key is permanently disabled and emits
// the disabled placeholder.
type ASRCaller struct {
	client  oai.Client
	model   string
	enabled bool
}

// NewASRCaller builds a transcriber. An empty apiKey yields a disabled caller.
func NewASRCaller(apiKey, model string) *ASRCaller {
	if apiKey == "" {
		return &ASRCaller{model: model}
	}
	return &ASRCaller{
		client:  oai.NewClient(option.WithAPIKey(apiKey)),
		model:   model,
		enabled: true,
	}
}

// Transcribe concatenates chunks into one webm blob and sends it for
// recognition. Upstream failures are folded into placeholder text.
func (a *ASRCaller) Transcribe(ctx context.Context, chunks [][]byte) string {
	if len(chunks) == 0 {
		return PlaceholderNoChunks
	}
	if !a.enabled {
		return "(asr disabled: no OPENAI_API_KEY)"
	}

	var blob bytes.Buffer
	for _, c := range chunks {
		blob.Write(c)
	}
	if blob.Len() == 0 {
		return PlaceholderNoChunks
	}

	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp, err := a.client.Audio.Transcriptions.New(callCtx, oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(blob.Bytes()), "capture.webm", "audio/webm"),
		Model: oai.AudioModel(a.model),
	})
	if err != nil {
		var apierr *oai.Error
		if errors.As(err, &apierr) {
			logging.Warn(ctx, "asr request rejected",
				zap.Int("status", apierr.StatusCode), zap.Int("bytes", blob.Len()))
			return fmt.Sprintf("(asr failed http %d)", apierr.StatusCode)
		}
		logging.Warn(ctx, "asr request failed", zap.Error(err), zap.Int("bytes", blob.Len()))
		return "(asr failed: network error)"
	}

	logging.Debug(ctx, "asr transcription received",
		zap.Int("bytes", blob.Len()), zap.Int("chars", len(resp.Text)))
	return resp.Text
}
