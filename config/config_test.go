package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CONFIG_PATH", filepath.Join(dir, "missing.yaml"))
	for _, key := range []string{
		"HTTP_PORT", "PORT", "DB_DRIVER", "DB_PATH", "DATABASE_URL", "REDIS_URL",
		"WORKER_COUNT", "JOB_QUEUE_SIZE", "JOB_TIMEOUT_SEC", "QUEUE_WAIT_MS", "STRICT_CONFIG",
		"LLM_PROVIDER", "LLM_MODEL", "LLM_BASE_URL", "LLM_API_KEY_ENV", "LLM_REGION",
		"AWS_REGION", "LLM_MAX_TOKENS", "LLM_TEMPERATURE", "LLM_TIMEOUT_SEC", "LLM_MAX_RETRIES",
	} {
		t.Setenv(key, "")
	}
	return dir
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8051", cfg.HTTPPort)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "profiler.db", cfg.DBPath)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, "OPENAI_API_KEY", cfg.LLM.APIKeyEnv)
	assert.Equal(t, defaultJobTimeoutSec, cfg.JobTimeoutSec)
	assert.Equal(t, defaultQueueWaitMs, cfg.QueueWaitMs)
}

func TestHTTPPortDefaultFormatting(t *testing.T) {
	isolate(t)
	t.Setenv("HTTP_PORT", "9000")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.HTTPPort)
}

func TestQueueSizeDefaultsRespectWorkers(t *testing.T) {
	isolate(t)
	t.Setenv("WORKER_COUNT", "8")
	t.Setenv("JOB_QUEUE_SIZE", "4")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.WorkerCount)
	assert.GreaterOrEqual(t, cfg.JobQueueSize, cfg.WorkerCount)
}

func TestInvalidJobTimeoutIsRejected(t *testing.T) {
	isolate(t)
	t.Setenv("JOB_TIMEOUT_SEC", "-3")
	_, err := Load()
	require.Error(t, err)
}

func TestFileConfigWithEnvOverride(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, `
http_port: "7000"
db_driver: postgres
database_url: postgres://profiler@localhost/profiler
llm:
  provider: ollama
  model: llama3.1
  base_url: http://ollama:11434
  max_retries: 0
  temperature: 0.3
`)
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("LLM_MODEL", "qwen2.5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.HTTPPort)
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, "postgres://profiler@localhost/profiler", cfg.DatabaseURL)
	assert.Equal(t, "ollama", cfg.LLM.Provider)
	assert.Equal(t, "qwen2.5", cfg.LLM.Model)
	assert.Equal(t, "http://ollama:11434", cfg.LLM.BaseURL)
	assert.Equal(t, 0, cfg.LLM.MaxRetries)
	assert.InDelta(t, 0.3, cfg.LLM.Temperature, 1e-9)
}

func TestStrictConfigFailsOnMissingFile(t *testing.T) {
	isolate(t)
	t.Setenv("STRICT_CONFIG", "true")
	_, err := Load()
	require.Error(t, err)
}

func TestStrictConfigRejectsUnknownProvider(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, "llm:\n  provider: carrier-pigeon\n")
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("STRICT_CONFIG", "1")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestLoadLLMFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, `{"llm":{"provider":"bedrock","model":"anthropic.claude-3-haiku","region":"us-east-1","max_tokens":512}}`)

	llmCfg, err := LoadLLMFile(path)
	require.NoError(t, err)
	assert.Equal(t, "bedrock", llmCfg.Provider)
	assert.Equal(t, "us-east-1", llmCfg.Region)
	assert.Equal(t, 512, llmCfg.MaxTokens)

	writeFile(t, path, `{"llm":{"provider":"bedrock","model":"anthropic.claude-3-haiku"}}`)
	_, err = LoadLLMFile(path)
	require.Error(t, err, "bedrock without a region must be rejected")
}

func TestDotEnvRanksAboveFileAndBelowEnvironment(t *testing.T) {
	dir := isolate(t)
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, "llm:\n  model: from-yaml\n  base_url: http://yaml:11434\n  region: yaml-region\n")
	writeFile(t, filepath.Join(dir, ".env"), "LLM_MODEL=from-dotenv\nLLM_BASE_URL=http://dotenv:11434\nQUEUE_WAIT_MS=40\n")
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("LLM_BASE_URL", "http://env:11434")
	// godotenv only fills variables that are absent, not ones set to "".
	for _, key := range []string{"LLM_MODEL", "QUEUE_WAIT_MS"} {
		require.NoError(t, os.Unsetenv(key))
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.LLM.Model)
	assert.Equal(t, "http://env:11434", cfg.LLM.BaseURL)
	assert.Equal(t, "yaml-region", cfg.LLM.Region)
	assert.Equal(t, 40, cfg.QueueWaitMs)
}
