package summary

import (
	"context"
	"errors"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
	"go.uber.org/zap"

	"github.com/webcall-app/realtime/internal/v1/logging"
)

// DefaultSystemPrompt is used when the user has no stored prompt.
const DefaultSystemPrompt = "You are a meeting assistant. Summarize the conversation below for one participant: key topics, decisions, and anything addressed to them. Be concise and concrete."

// Provider produces an AI summary for a set of messages. Implementations
// return an error on upstream failure; strategies degrade to the heuristic
// path with an explanatory prefix.
type Provider interface {
	Summarize(ctx context.Context, systemPrompt string, messages []ChatMessage) (string, error)
}

// OpenAIProvider calls the chat-completions API. When the configured model is
// rejected (unknown or unavailable), it retries once with the fallback model.
type OpenAIProvider struct {
	client   oai.Client
	model    string
	fallback string
}

// NewOpenAIProvider builds a provider; returns nil when no API key is set,
// which the strategies treat as AI-disabled.
func NewOpenAIProvider(apiKey, model, fallback string) *OpenAIProvider {
	if apiKey == "" {
		return nil
	}
	return &OpenAIProvider{
		client:   oai.NewClient(option.WithAPIKey(apiKey)),
		model:    model,
		fallback: fallback,
	}
}

func (p *OpenAIProvider) Summarize(ctx context.Context, systemPrompt string, messages []ChatMessage) (string, error) {
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}

	var b strings.Builder
	for _, m := range messages {
		name := m.AuthorName
		if name == "" {
			name = m.AuthorID
		}
		if name == "" {
			name = "anonymous"
		}
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}

	text, err := p.complete(ctx, p.model, systemPrompt, b.String())
	if err != nil && p.fallback != "" && p.fallback != p.model && isModelRejected(err) {
		logging.Warn(ctx, "summary model rejected, retrying with fallback",
			zap.String("model", p.model), zap.String("fallback", p.fallback))
		text, err = p.complete(ctx, p.fallback, systemPrompt, b.String())
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (p *OpenAIProvider) complete(ctx context.Context, model, systemPrompt, user string) (string, error) {
	resp, err := p.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: shared.ChatModel(model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(systemPrompt),
			oai.UserMessage(user),
		},
		Temperature:         param.NewOpt(0.3),
		MaxCompletionTokens: param.NewOpt(int64(600)),
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

func isModelRejected(err error) bool {
	var apierr *oai.Error
	if errors.As(err, &apierr) {
		return apierr.StatusCode == 400 || apierr.StatusCode == 404
	}
	return false
}
