package logger

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeRedactsSensitiveKeys(t *testing.T) {
	l := Nop()
	out := l.sanitizeKVs([]interface{}{
		"message_text", "I take metformin",
		"clinician_email", "dr@example.com",
		"stage", "leak_scan",
	})
	require.Len(t, out, 6)
	assert.Equal(t, "[REDACTED]", out[1])
	assert.Equal(t, "[REDACTED]", out[3])
	assert.Equal(t, "leak_scan", out[5])
}

func TestSanitizeHashesIdentifiers(t *testing.T) {
	l := &Logger{SugaredLogger: Nop().SugaredLogger, redact: true, hashSalt: "salt"}
	out := l.sanitizeKVs([]interface{}{"patient_id", "p-123"})
	hashed, ok := out[1].(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(hashed, "hash:"))
	assert.NotContains(t, hashed, "p-123")

	again := l.sanitizeKVs([]interface{}{"patient_id", "p-123"})
	assert.Equal(t, hashed, again[1], "hashing must be stable")
}

func TestSanitizeDisabledPassesThrough(t *testing.T) {
	l := &Logger{SugaredLogger: Nop().SugaredLogger, redact: false}
	kv := []interface{}{"message_text", "hello"}
	assert.Equal(t, kv, l.sanitizeKVs(kv))
}

func TestSanitizeOddLength(t *testing.T) {
	out := Nop().sanitizeKVs([]interface{}{"stage", "x", "dangling"})
	assert.Equal(t, []interface{}{"stage", "x", "dangling"}, out)
}
