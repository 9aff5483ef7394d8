package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// AnthropicClient calls the Anthropic messages API over plain HTTP.  It makes
// a single attempt per call; fallback is the provider selector's job.
type AnthropicClient struct {
	APIKey  string
	model   string
	BaseURL string
	HTTP    *http.Client
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	System      string             `json:"system,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewAnthropicClient creates a new Anthropic API client.
func NewAnthropicClient(apiKey, model string, timeout time.Duration) *AnthropicClient {
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	if timeout == 0 {
		timeout = 12 * time.Second
	}
	return &AnthropicClient{
		APIKey:  apiKey,
		model:   model,
		BaseURL: "https://api.anthropic.com/v1",
		HTTP:    &http.Client{Timeout: timeout},
	}
}

func (c *AnthropicClient) Model() string { return "anthropic:" + c.model }

func (c *AnthropicClient) Chat(ctx context.Context, messages []Message) (string, error) {
	system, rest := splitSystem(messages)
	reqBody := anthropicRequest{
		Model:       c.model,
		MaxTokens:   1024,
		Temperature: 0.2,
		System:      strings.TrimSpace(system),
	}
	for _, m := range rest {
		role := RoleUser
		if m.Role == RoleAssistant {
			role = RoleAssistant
		}
		reqBody.Messages = append(reqBody.Messages, anthropicMessage{Role: role, Content: m.Content})
	}

	b, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("anthropic: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.BaseURL, "/")+"/messages", bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	res, err := c.HTTP.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("anthropic: http request: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("anthropic: read body: %w", err)
	}
	if res.StatusCode/100 != 2 {
		return "", fmt.Errorf("anthropic: status %d", res.StatusCode)
	}

	var out anthropicResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("anthropic: decode failed: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("anthropic: %s", out.Error.Type)
	}
	for _, content := range out.Content {
		if content.Type == "text" && strings.TrimSpace(content.Text) != "" {
			return strings.TrimSpace(content.Text), nil
		}
	}
	return "", ErrEmptyCompletion
}
