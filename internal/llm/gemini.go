package llm

import (
	"context"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/schema"
)

// GeminiClient adapts a langchaingo model (Google AI by default) to Client.
type GeminiClient struct {
	llm   llms.Model
	model string
}

// NewGeminiClient connects to Google AI with the given key and model.
func NewGeminiClient(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	if model == "" {
		model = "gemini-1.5-flash"
	}
	g, err := googleai.New(ctx,
		googleai.WithAPIKey(apiKey),
		googleai.WithDefaultModel(model),
	)
	if err != nil {
		return nil, err
	}
	return &GeminiClient{llm: g, model: model}, nil
}

// NewGeminiClientWithModel wraps an existing langchaingo model.
func NewGeminiClientWithModel(m llms.Model, name string) *GeminiClient {
	return &GeminiClient{llm: m, model: name}
}

func (c *GeminiClient) Model() string { return "gemini:" + c.model }

func (c *GeminiClient) Chat(ctx context.Context, messages []Message) (string, error) {
	content := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		role := schema.ChatMessageTypeHuman
		switch m.Role {
		case RoleSystem:
			role = schema.ChatMessageTypeSystem
		case RoleAssistant:
			role = schema.ChatMessageTypeAI
		}
		content = append(content, llms.TextParts(role, m.Content))
	}
	resp, err := c.llm.GenerateContent(ctx, content, llms.WithTemperature(0.2))
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
		return "", ErrEmptyCompletion
	}
	return strings.TrimSpace(resp.Choices[0].Content), nil
}
