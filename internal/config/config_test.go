package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dropout-advisor/internal/config"
	"dropout-advisor/internal/llm"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := config.LoadConfig(writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "artifact", cfg.Classifier.Type)
	assert.Equal(t, "models/dropout_model.json", cfg.Classifier.ArtifactPath)
	assert.Equal(t, 30*time.Second, cfg.Advisory.Timeout)
	assert.False(t, cfg.Advisory.Cache.Enabled)
	assert.Equal(t, 500, cfg.Batch.MaxRows)
	assert.Equal(t, 4, cfg.Batch.AdvisoryWorkers)
	assert.Equal(t, "gemini-1.5-pro", cfg.Gemini.ModelName)
}

func TestLoadConfig_ExpandsKeysAndParsesDurations(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "from-env")
	t.Setenv("GROQ_API_KEY", "groq-env")

	cfg, err := config.LoadConfig(writeConfig(t, `
server:
  port: "9000"
advisory:
  timeout: 12s
providers:
  - type: gemini
    api_key: ${GEMINI_API_KEY}
    requests_per_minute: 10
  - type: groq
    api_key: ${GROQ_API_KEY}
    retry_delay: 500ms
batch:
  advisory_workers: 2
`))
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, 12*time.Second, cfg.Advisory.Timeout)
	require.Len(t, cfg.AdvisoryProviders(), 2)
	assert.Equal(t, "from-env", cfg.Providers[0].APIKey)
	assert.Equal(t, "groq-env", cfg.Providers[1].APIKey)
	assert.Equal(t, 500*time.Millisecond, cfg.Providers[1].RetryDelay)
	assert.Equal(t, 2, cfg.Batch.AdvisoryWorkers)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("DROPOUT_PORT", "7070")
	t.Setenv("DROPOUT_GEMINI_API_KEY", "override")
	t.Setenv("DROPOUT_BATCH_MAX_ROWS", "25")
	t.Setenv("DROPOUT_CACHE_ENABLED", "true")
	t.Setenv("DROPOUT_ADVISORY_TIMEOUT", "5s")

	cfg, err := config.LoadConfig(writeConfig(t, `
providers:
  - type: gemini
    api_key: ""
`))
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "override", cfg.Providers[0].APIKey)
	assert.Equal(t, 25, cfg.Batch.MaxRows)
	assert.True(t, cfg.Advisory.Cache.Enabled)
	assert.Equal(t, "./data/advisory_cache.db", cfg.Advisory.Cache.DSN)
	assert.Equal(t, 5*time.Second, cfg.Advisory.Timeout)
}

func TestAdvisoryProviders_FallsBackToGeminiSection(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "k")

	cfg, err := config.LoadConfig(writeConfig(t, `
gemini:
  api_key: ${GEMINI_API_KEY}
  model_name: gemini-1.5-flash
`))
	require.NoError(t, err)

	providers := cfg.AdvisoryProviders()
	require.Len(t, providers, 1)
	assert.Equal(t, llm.ProviderGemini, providers[0].Type)
	assert.Equal(t, "k", providers[0].APIKey)
	assert.Equal(t, "gemini-1.5-flash", providers[0].ModelName)
}

func TestValidate_MissingKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")

	cfg, err := config.LoadConfig(writeConfig(t, "gemini:\n  api_key: ${GEMINI_API_KEY}\n"))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key")
}

func TestValidate_RemoteClassifierNeedsURL(t *testing.T) {
	cfg, err := config.LoadConfig(writeConfig(t, `
gemini:
  api_key: k
classifier:
  type: remote
`))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote_url")
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := config.LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestLoadConfig_RequestTimeoutEndsBeforeWriteTimeout(t *testing.T) {
	cfg, err := config.LoadConfig(writeConfig(t, "gemini:\n  api_key: k\n"))
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, cfg.Server.WriteTimeout)
	assert.Equal(t, 9*time.Minute, cfg.Server.RequestTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestValidate_RequestTimeoutMustBeShorterThanWriteTimeout(t *testing.T) {
	cfg, err := config.LoadConfig(writeConfig(t, `
gemini:
  api_key: k
server:
  write_timeout: 2m
  request_timeout: 2m
`))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request_timeout")
}

func TestAdvisedRowsPerRequest_UsesSlowestProvider(t *testing.T) {
	cfg, err := config.LoadConfig(writeConfig(t, `
server:
  write_timeout: 6m
  request_timeout: 5m
providers:
  - type: gemini
    api_key: a
    requests_per_minute: 8
  - type: groq
    api_key: b
    requests_per_minute: 30
`))
	require.NoError(t, err)

	// burst of 8, then 8 per minute for 5 minutes
	assert.Equal(t, 48, cfg.AdvisedRowsPerRequest())
	assert.Less(t, cfg.AdvisedRowsPerRequest(), cfg.Batch.MaxRows)
}
