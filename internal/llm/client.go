package llm

import (
	"context"
	"errors"
)

// Message is a minimal chat message used by the provider selector and the
// validator.  Role must be one of: "system", "user", or "assistant".
type Message struct {
	Role    string
	Content string
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Client is one text-generation endpoint.  Chat accepts the full message
// history (system + prior turns + latest user).  Failures are errors, never
// an empty string.
type Client interface {
	Chat(ctx context.Context, messages []Message) (string, error)
	Model() string
}

// ErrEmptyCompletion is returned when a provider answers without text.
var ErrEmptyCompletion = errors.New("llm: empty completion")

// splitSystem separates system messages, which some providers take as a
// dedicated field, from the conversation.
func splitSystem(messages []Message) (string, []Message) {
	var system string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}
