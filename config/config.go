package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration. Values come from defaults, then the
// YAML/JSON config file, then environment variables. A .env file is loaded
// into the environment first, so its entries rank with the environment and
// above the file, but never override variables already set.
type Config struct {
	HTTPPort           string
	Environment        string
	DBDriver           string
	DBPath             string
	DatabaseURL        string
	RedisURL           string
	ResultCacheTTLSec  int
	JobQueueSize       int
	WorkerCount        int
	JobTimeoutSec      int
	QueueWaitMs        int
	RateLimitEnabled   bool
	RateLimitRequests  int
	RateLimitWindowSec int
	ConfigPath         string
	WatchConfig        bool
	StrictConfig       bool
	LLM                LLMConfig
}

// LLMConfig selects and tunes the text generation backend.
type LLMConfig struct {
	Provider     string
	Model        string
	BaseURL      string
	APIKeyEnv    string
	Region       string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	TimeoutSec   int
	MaxRetries   int
}

type fileConfig struct {
	HTTPPort    string        `json:"http_port" yaml:"http_port"`
	Environment string        `json:"environment" yaml:"environment"`
	DBDriver    string        `json:"db_driver" yaml:"db_driver"`
	DBPath      string        `json:"db_path" yaml:"db_path"`
	DatabaseURL string        `json:"database_url" yaml:"database_url"`
	RedisURL    string        `json:"redis_url" yaml:"redis_url"`
	LLM         llmFileConfig `json:"llm" yaml:"llm"`
}

type llmFileConfig struct {
	Provider     string   `json:"provider" yaml:"provider"`
	Model        string   `json:"model" yaml:"model"`
	BaseURL      string   `json:"base_url" yaml:"base_url"`
	APIKeyEnv    string   `json:"api_key_env" yaml:"api_key_env"`
	Region       string   `json:"region" yaml:"region"`
	SystemPrompt string   `json:"system_prompt" yaml:"system_prompt"`
	MaxTokens    *int     `json:"max_tokens" yaml:"max_tokens"`
	Temperature  *float64 `json:"temperature" yaml:"temperature"`
	TimeoutSec   *int     `json:"timeout_sec" yaml:"timeout_sec"`
	MaxRetries   *int     `json:"max_retries" yaml:"max_retries"`
}

const (
	defaultPort              = ":8051"
	defaultDBDriver          = "sqlite"
	defaultDBFile            = "profiler.db"
	minQueueSize             = 1
	defaultQueueSize         = 100
	maxQueueSize             = 1024
	defaultWorkerCount       = 4
	defaultJobTimeoutSec     = 300
	defaultQueueWaitMs       = 250
	defaultCacheTTLSec       = 3600
	defaultRateLimitRequests = 120
	defaultRateLimitWindow   = 60
)

var (
	knownDrivers   = map[string]bool{"sqlite": true, "postgres": true}
	knownProviders = map[string]bool{"openai": true, "ollama": true, "bedrock": true}
)

func defaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:   "openai",
		Model:      "gpt-4o-mini",
		APIKeyEnv:  "OPENAI_API_KEY",
		TimeoutSec: 60,
		MaxRetries: 2,
	}
}

// Load reads configuration from the environment, an optional .env file and
// the config file at CONFIG_PATH.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment:        getEnv("ENVIRONMENT", "local"),
		JobQueueSize:       defaultQueueSize,
		WorkerCount:        defaultWorkerCount,
		JobTimeoutSec:      defaultJobTimeoutSec,
		QueueWaitMs:        defaultQueueWaitMs,
		ResultCacheTTLSec:  defaultCacheTTLSec,
		RateLimitEnabled:   parseBoolEnv("RATE_LIMIT_ENABLED"),
		RateLimitRequests:  defaultRateLimitRequests,
		RateLimitWindowSec: defaultRateLimitWindow,
		WatchConfig:        parseBoolEnv("WATCH_CONFIG"),
		StrictConfig:       parseBoolEnv("STRICT_CONFIG"),
	}

	cfg.ConfigPath = getEnv("CONFIG_PATH", filepath.Join("config", "config.yaml"))
	fileCfg, fileErr := loadFileConfig(cfg.ConfigPath)
	if fileErr != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("config load failed (%s): %w", cfg.ConfigPath, fileErr)
		}
		zlog.Warn().Err(fileErr).Str("path", cfg.ConfigPath).Msg("config file not loaded; using defaults")
	}

	cfg.Environment = firstNonEmpty(os.Getenv("ENVIRONMENT"), fileCfg.Environment, cfg.Environment)
	cfg.DBDriver = strings.ToLower(firstNonEmpty(os.Getenv("DB_DRIVER"), fileCfg.DBDriver, defaultDBDriver))
	cfg.DBPath = firstNonEmpty(os.Getenv("DB_PATH"), fileCfg.DBPath, defaultDBFile)
	cfg.DatabaseURL = firstNonEmpty(os.Getenv("DATABASE_URL"), fileCfg.DatabaseURL)
	cfg.RedisURL = firstNonEmpty(os.Getenv("REDIS_URL"), fileCfg.RedisURL)

	cfg.HTTPPort = firstNonEmpty(os.Getenv("HTTP_PORT"), fileCfg.HTTPPort, defaultPort)
	if legacyPort := os.Getenv("PORT"); legacyPort != "" && cfg.HTTPPort == defaultPort {
		cfg.HTTPPort = legacyPort
	}
	if !strings.HasPrefix(cfg.HTTPPort, ":") {
		cfg.HTTPPort = ":" + cfg.HTTPPort
	}

	if v := os.Getenv("WORKER_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			zlog.Warn().Str("value", v).Int("default", defaultWorkerCount).Msg("invalid WORKER_COUNT")
			n = defaultWorkerCount
		}
		cfg.WorkerCount = n
	}

	if v := os.Getenv("JOB_QUEUE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			zlog.Warn().Str("value", v).Int("default", defaultQueueSize).Msg("invalid JOB_QUEUE_SIZE")
			n = defaultQueueSize
		}
		if n < minQueueSize {
			n = minQueueSize
		}
		if n > maxQueueSize {
			zlog.Warn().Int("requested", n).Int("max", maxQueueSize).Msg("JOB_QUEUE_SIZE capped")
			n = maxQueueSize
		}
		cfg.JobQueueSize = n
	}
	if cfg.JobQueueSize < cfg.WorkerCount {
		cfg.JobQueueSize = max(defaultQueueSize, cfg.WorkerCount)
	}

	if v := os.Getenv("JOB_TIMEOUT_SEC"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid JOB_TIMEOUT_SEC: %w", err)
		}
		if n <= 0 {
			return cfg, errors.New("JOB_TIMEOUT_SEC must be positive")
		}
		cfg.JobTimeoutSec = n
	}

	for _, item := range []struct {
		key string
		dst *int
	}{
		{"RESULT_CACHE_TTL_SEC", &cfg.ResultCacheTTLSec},
		{"QUEUE_WAIT_MS", &cfg.QueueWaitMs},
		{"RATE_LIMIT_REQUESTS", &cfg.RateLimitRequests},
		{"RATE_LIMIT_WINDOW_SEC", &cfg.RateLimitWindowSec},
	} {
		v, ok, err := parseIntEnv(item.key)
		if err != nil {
			if cfg.StrictConfig {
				return cfg, fmt.Errorf("invalid %s: %w", item.key, err)
			}
			zlog.Warn().Err(err).Str("key", item.key).Msg("invalid integer setting; using default")
			continue
		}
		if ok && v > 0 {
			*item.dst = v
		}
	}

	llmCfg, err := applyLLMEnv(applyLLMOverrides(defaultLLMConfig(), fileCfg.LLM), cfg.StrictConfig)
	if err != nil {
		return cfg, err
	}
	cfg.LLM = llmCfg

	if err := validateConfig(cfg); err != nil {
		if cfg.StrictConfig {
			return cfg, err
		}
		zlog.Warn().Err(err).Msg("config validation failed (continuing)")
	}

	return cfg, nil
}

// LoadLLMFile re-reads the LLM settings from a config file, keeping the same
// precedence as Load: defaults, then the file, then environment variables.
func LoadLLMFile(path string) (LLMConfig, error) {
	fileCfg, err := loadFileConfig(path)
	if err != nil {
		return LLMConfig{}, err
	}
	llmCfg, err := applyLLMEnv(applyLLMOverrides(defaultLLMConfig(), fileCfg.LLM), true)
	if err != nil {
		return LLMConfig{}, err
	}
	if err := validateLLM(llmCfg); err != nil {
		return LLMConfig{}, err
	}
	return llmCfg, nil
}

func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if len(data) == 0 {
		return cfg, errors.New("empty config file")
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func applyLLMOverrides(base LLMConfig, override llmFileConfig) LLMConfig {
	if v := strings.TrimSpace(override.Provider); v != "" {
		base.Provider = strings.ToLower(v)
	}
	if v := strings.TrimSpace(override.Model); v != "" {
		base.Model = v
	}
	if v := strings.TrimSpace(override.BaseURL); v != "" {
		base.BaseURL = v
	}
	if v := strings.TrimSpace(override.APIKeyEnv); v != "" {
		base.APIKeyEnv = v
	}
	if v := strings.TrimSpace(override.Region); v != "" {
		base.Region = v
	}
	if v := strings.TrimSpace(override.SystemPrompt); v != "" {
		base.SystemPrompt = v
	}
	if override.MaxTokens != nil && *override.MaxTokens > 0 {
		base.MaxTokens = *override.MaxTokens
	}
	if override.Temperature != nil && *override.Temperature >= 0 {
		base.Temperature = *override.Temperature
	}
	if override.TimeoutSec != nil && *override.TimeoutSec > 0 {
		base.TimeoutSec = *override.TimeoutSec
	}
	if override.MaxRetries != nil && *override.MaxRetries >= 0 {
		base.MaxRetries = *override.MaxRetries
	}
	return base
}

func applyLLMEnv(cfg LLMConfig, strict bool) (LLMConfig, error) {
	if v := strings.TrimSpace(os.Getenv("LLM_PROVIDER")); v != "" {
		cfg.Provider = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("LLM_MODEL")); v != "" {
		cfg.Model = v
	}
	cfg.BaseURL = firstNonEmpty(os.Getenv("LLM_BASE_URL"), cfg.BaseURL)
	cfg.APIKeyEnv = firstNonEmpty(os.Getenv("LLM_API_KEY_ENV"), cfg.APIKeyEnv)
	cfg.Region = firstNonEmpty(os.Getenv("LLM_REGION"), cfg.Region, os.Getenv("AWS_REGION"))
	cfg.SystemPrompt = firstNonEmpty(os.Getenv("LLM_SYSTEM_PROMPT"), cfg.SystemPrompt)

	for _, item := range []struct {
		key string
		dst *int
		min int
	}{
		{"LLM_MAX_TOKENS", &cfg.MaxTokens, 1},
		{"LLM_TIMEOUT_SEC", &cfg.TimeoutSec, 1},
		{"LLM_MAX_RETRIES", &cfg.MaxRetries, 0},
	} {
		v, ok, err := parseIntEnv(item.key)
		if err != nil {
			if strict {
				return cfg, fmt.Errorf("invalid %s: %w", item.key, err)
			}
			zlog.Warn().Err(err).Str("key", item.key).Msg("invalid integer setting; using default")
			continue
		}
		if ok && v >= item.min {
			*item.dst = v
		}
	}

	if v, ok, err := parseFloatEnv("LLM_TEMPERATURE"); err != nil {
		if strict {
			return cfg, fmt.Errorf("invalid LLM_TEMPERATURE: %w", err)
		}
		zlog.Warn().Err(err).Msg("invalid LLM_TEMPERATURE; using default")
	} else if ok && v >= 0 {
		cfg.Temperature = v
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.HTTPPort) == "" {
		return errors.New("HTTP_PORT is required")
	}
	if !knownDrivers[cfg.DBDriver] {
		return fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
	if cfg.DBDriver == "postgres" && strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("DATABASE_URL is required when DB_DRIVER=postgres")
	}
	if cfg.DBDriver == "sqlite" && strings.TrimSpace(cfg.DBPath) == "" {
		return errors.New("DB_PATH is required when DB_DRIVER=sqlite")
	}
	return validateLLM(cfg.LLM)
}

func validateLLM(cfg LLMConfig) error {
	if !knownProviders[cfg.Provider] {
		return fmt.Errorf("unsupported LLM_PROVIDER %q", cfg.Provider)
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return errors.New("LLM_MODEL is required")
	}
	if cfg.Provider == "bedrock" && strings.TrimSpace(cfg.Region) == "" {
		return errors.New("bedrock provider requires LLM_REGION or AWS_REGION")
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if strings.TrimSpace(val) != "" {
			return strings.TrimSpace(val)
		}
	}
	return ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseIntEnv(key string) (int, bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false, nil
	}
	val, err := strconv.Atoi(raw)
	return val, true, err
}

func parseFloatEnv(key string) (float64, bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false, nil
	}
	val, err := strconv.ParseFloat(raw, 64)
	return val, true, err
}
