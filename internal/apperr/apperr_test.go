package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorsIsMatchesByKind(t *testing.T) {
	err := New(KindRedaction, "redact.Anonymize", errors.New("detector fault"))
	wrapped := fmt.Errorf("general path: %w", err)

	assert.ErrorIs(t, wrapped, Redaction)
	assert.NotErrorIs(t, wrapped, ProviderUnavailable)
	assert.Equal(t, KindRedaction, KindOf(wrapped))
}

func TestFatalKinds(t *testing.T) {
	assert.True(t, Fatal(New(KindRedaction, "", nil)))
	assert.True(t, Fatal(New(KindEmergencyCheck, "", nil)))
	assert.True(t, Fatal(New(KindInvalidInput, "", nil)))
	assert.False(t, Fatal(New(KindProviderUnavailable, "", nil)))
	assert.False(t, Fatal(New(KindTool, "", nil)))
	assert.False(t, Fatal(errors.New("plain")))
}

func TestErrorMessage(t *testing.T) {
	err := Newf(KindTool, "tools.Search", "status %d", 503)
	assert.Equal(t, "tools.Search: tool_failure: status 503", err.Error())
}
