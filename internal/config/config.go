// Package config provides configuration for the telemetry service.
//
// Values start from built-in defaults, are optionally overlaid by the YAML
// file named in CONFIG_FILE, and are finally overridden by environment
// variables.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the service configuration.
type Config struct {
	// Server settings
	HTTPPort int `yaml:"http_port"`

	// Database
	DatabaseURL string `yaml:"database_url"`

	// ML classifier service
	ClassifierURL     string        `yaml:"classifier_url"`
	ClassifierTimeout time.Duration `yaml:"classifier_timeout"`
	ClassifierRPS     float64       `yaml:"classifier_rps"`

	// OpenAI-compatible endpoint used by assertion evaluators
	LLMBaseURL string        `yaml:"llm_base_url"`
	LLMAPIKey  string        `yaml:"llm_api_key"`
	LLMModel   string        `yaml:"llm_model"`
	LLMTimeout time.Duration `yaml:"llm_timeout"`

	// Ingestion
	TokenCountTimeout time.Duration `yaml:"token_count_timeout"`
	ParentRetryDelay  time.Duration `yaml:"parent_retry_delay"`

	// Scheduler
	SchedulerBatchSize  int           `yaml:"scheduler_batch_size"`
	SchedulerIdle       time.Duration `yaml:"scheduler_idle"`
	SchedulerErrorDelay time.Duration `yaml:"scheduler_error_delay"`
	SchedulerPoll       time.Duration `yaml:"scheduler_poll"`
	EvaluatorCacheTTL   time.Duration `yaml:"evaluator_cache_ttl"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTPPort:            8080,
		DatabaseURL:         "file:telemetry.db?cache=shared&mode=rwc",
		ClassifierURL:       "http://localhost:8000",
		ClassifierTimeout:   10 * time.Second,
		ClassifierRPS:       20,
		LLMBaseURL:          "https://api.openai.com/v1",
		LLMModel:            "gpt-4o-mini",
		LLMTimeout:          30 * time.Second,
		TokenCountTimeout:   5 * time.Second,
		ParentRetryDelay:    2 * time.Second,
		SchedulerBatchSize:  5,
		SchedulerIdle:       20 * time.Second,
		SchedulerErrorDelay: 3 * time.Second,
		SchedulerPoll:       time.Second,
		EvaluatorCacheTTL:   30 * time.Second,
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

// Load loads configuration from CONFIG_FILE (if set) and environment
// variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.HTTPPort = getEnvInt("HTTP_PORT", cfg.HTTPPort)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.ClassifierURL = getEnv("CLASSIFIER_URL", cfg.ClassifierURL)
	cfg.ClassifierTimeout = getEnvMillis("CLASSIFIER_TIMEOUT_MS", cfg.ClassifierTimeout)
	cfg.ClassifierRPS = getEnvFloat("CLASSIFIER_RPS", cfg.ClassifierRPS)
	cfg.LLMBaseURL = getEnv("LLM_BASE_URL", cfg.LLMBaseURL)
	cfg.LLMAPIKey = getEnv("LLM_API_KEY", cfg.LLMAPIKey)
	cfg.LLMModel = getEnv("LLM_MODEL", cfg.LLMModel)
	cfg.LLMTimeout = getEnvMillis("LLM_TIMEOUT_MS", cfg.LLMTimeout)
	cfg.TokenCountTimeout = getEnvMillis("TOKEN_COUNT_TIMEOUT_MS", cfg.TokenCountTimeout)
	cfg.ParentRetryDelay = getEnvMillis("PARENT_RETRY_DELAY_MS", cfg.ParentRetryDelay)
	cfg.SchedulerBatchSize = getEnvInt("SCHEDULER_BATCH_SIZE", cfg.SchedulerBatchSize)
	cfg.SchedulerIdle = getEnvMillis("SCHEDULER_IDLE_MS", cfg.SchedulerIdle)
	cfg.SchedulerErrorDelay = getEnvMillis("SCHEDULER_ERROR_DELAY_MS", cfg.SchedulerErrorDelay)
	cfg.SchedulerPoll = getEnvMillis("SCHEDULER_POLL_MS", cfg.SchedulerPoll)
	cfg.EvaluatorCacheTTL = getEnvMillis("EVALUATOR_CACHE_TTL_MS", cfg.EvaluatorCacheTTL)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port %d", c.HTTPPort)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}
	if c.SchedulerBatchSize <= 0 {
		return fmt.Errorf("scheduler_batch_size must be positive")
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q", c.LogFormat)
	}
	return nil
}

// NewLogger builds the process logger described by the config.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(c.LogLevel)}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvMillis(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}
