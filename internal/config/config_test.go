package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsAndEnv(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("PORT", "")
	t.Setenv("DATABASE_URL", "postgres://localhost/keepgoing?sslmode=disable")
	t.Setenv("LLM_PROVIDERS", "anthropic, openai")
	t.Setenv("STALE_AFTER", "20m")
	t.Setenv("OTEL_ENABLED", "yes")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, []string{"anthropic", "openai"}, cfg.LLM.Order)
	assert.Equal(t, 20*time.Minute, cfg.Pipeline.StaleAfter)
	assert.Equal(t, 0.7, cfg.Pipeline.EmergencyThreshold)
	assert.Equal(t, 2*time.Hour, cfg.Pipeline.ClinicalTTL)
	assert.True(t, cfg.Otel.Enabled)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: sqlite
  url: "file:keepgoing.db"
pipeline:
  tool_timeout: 3s
  allowlist: ["Bondi Junction"]
features:
  - name: Walking Buddy
    description: pairs you with a walking partner
    keywords: [walk, buddy]
`), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("TOOL_TIMEOUT", "5s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "file:keepgoing.db", cfg.Database.URL)
	assert.Equal(t, 5*time.Second, cfg.Pipeline.ToolTimeout, "env wins over file")
	assert.Equal(t, []string{"Bondi Junction"}, cfg.Pipeline.Allowlist)
	require.Len(t, cfg.Features, 1)
	assert.Equal(t, "Walking Buddy", cfg.Features[0].Name)
	assert.Equal(t, []string{"walk", "buddy"}, cfg.Features[0].Keywords)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DATABASE_URL", "postgres://localhost/db")
	t.Setenv("HISTORY_TURNS", "ten")
	_, err := Load()
	assert.ErrorContains(t, err, "HISTORY_TURNS")

	t.Setenv("HISTORY_TURNS", "")
	t.Setenv("INTENT_GATE", "1.5")
	_, err = Load()
	assert.ErrorContains(t, err, "intent_gate")

	t.Setenv("INTENT_GATE", "")
	t.Setenv("LLM_PROVIDERS", "openai,mistral")
	_, err = Load()
	assert.ErrorContains(t, err, "mistral")
}

func TestValidateRequiresDatabase(t *testing.T) {
	cfg := Default()
	assert.ErrorContains(t, cfg.Validate(), "DATABASE_URL")
	cfg.Database.URL = "postgres://x"
	assert.NoError(t, cfg.Validate())
}
