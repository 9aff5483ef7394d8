package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"keepgoing-assistant/internal/llm"
)

type namedModel string

func (m namedModel) Model() string { return string(m) }

func (m namedModel) Chat(context.Context, []llm.Message) (string, error) { return "", nil }

func TestPickValidatorNeedsAnIndependentModel(t *testing.T) {
	openai := namedModel("openai:gpt-4o-mini")
	anthropic := namedModel("anthropic:claude-3-5-haiku-latest")
	gemini := namedModel("gemini:gemini-1.5-flash")

	assert.Nil(t, pickValidator(nil, []llm.Client{openai}), "the primary cannot check itself")
	assert.Nil(t, pickValidator(namedModel("openai:gpt-4o-mini"), []llm.Client{openai}))
	assert.Equal(t, llm.Client(anthropic), pickValidator(nil, []llm.Client{openai, anthropic}))
	assert.Equal(t, llm.Client(gemini), pickValidator(gemini, []llm.Client{openai, anthropic}))
	assert.Equal(t, llm.Client(anthropic), pickValidator(openai, []llm.Client{openai, anthropic}))
	assert.Equal(t, llm.Client(gemini), pickValidator(gemini, nil))
	assert.Nil(t, pickValidator(nil, nil))
}
