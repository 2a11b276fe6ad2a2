// Package config provides application configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Port            string `envconfig:"PORT" default:"8000"`
	FrontendURL     string `envconfig:"FRONTEND_URL"`
	AppEnv          string `envconfig:"APP_ENV" default:"development"`
	DBPath          string `envconfig:"DB_PATH" default:"./data/medquery.db"`
	SessionDBPath   string `envconfig:"SESSION_DB_PATH" default:"./data/sessions.db"`
	LegacyUsersPath string `envconfig:"LEGACY_USERS_PATH"`
	GRPCHealthPort  string `envconfig:"GRPC_HEALTH_PORT" default:"50051"`

	// Sections are processed separately so their variables stay unprefixed.
	Model           ModelConfig           `ignored:"true"`
	Search          SearchConfig          `ignored:"true"`
	Agent           AgentConfig           `ignored:"true"`
	RateLimit       RateLimitConfig       `ignored:"true"`
	Redis           RedisConfig           `ignored:"true"`
	ErrorTracking   ErrorTrackingConfig   `ignored:"true"`
	ConversationLog ConversationLogConfig `ignored:"true"`
}

// ModelConfig selects the language model backend.
type ModelConfig struct {
	Provider     string `envconfig:"MODEL_PROVIDER" default:"gemini"`
	Name         string `envconfig:"MODEL_NAME" default:"gemini-2.5-flash"`
	GeminiAPIKey string `envconfig:"GEMINI_API_KEY"`
	// OpenAI-compatible endpoint used when Provider is "openai".
	OpenAIBaseURL string `envconfig:"OPENAI_BASE_URL" default:"https://generativelanguage.googleapis.com/v1beta/openai/"`
	OpenAIAPIKey  string `envconfig:"OPENAI_API_KEY"`
}

// SearchConfig configures the hosted web search API.
type SearchConfig struct {
	APIKey            string        `envconfig:"TAVILY_API_KEY"`
	BaseURL           string        `envconfig:"TAVILY_BASE_URL" default:"https://api.tavily.com"`
	MaxResults        int           `envconfig:"SEARCH_MAX_RESULTS" default:"5"`
	Timeout           time.Duration `envconfig:"SEARCH_TIMEOUT" default:"30s"`
	RequestsPerMinute int           `envconfig:"SEARCH_REQUESTS_PER_MINUTE" default:"60"`
}

// AgentConfig tunes a single conversation turn.
type AgentConfig struct {
	MaxTurns    int           `envconfig:"MAX_TURNS" default:"20"`
	TurnTimeout time.Duration `envconfig:"TURN_TIMEOUT" default:"10m"`
	AppName     string        `envconfig:"AGENT_APP_NAME" default:"medquery"`
}

// RateLimitConfig controls request throttling.
type RateLimitConfig struct {
	RequestsPerSecond float64       `envconfig:"RATE_LIMIT_RPS" default:"20"`
	Burst             int           `envconfig:"RATE_LIMIT_BURST" default:"40"`
	ChatRequests      int           `envconfig:"CHAT_RATE_LIMIT" default:"10"`
	ChatWindow        time.Duration `envconfig:"CHAT_RATE_WINDOW" default:"1m"`
}

// RedisConfig enables the shared pending-question cache when Addr is set.
type RedisConfig struct {
	Addr       string        `envconfig:"REDIS_ADDR"`
	Password   string        `envconfig:"REDIS_PASSWORD"`
	DB         int           `envconfig:"REDIS_DB" default:"0"`
	PendingTTL time.Duration `envconfig:"PENDING_TTL" default:"24h"`
}

// ErrorTrackingConfig configures Sentry reporting.
type ErrorTrackingConfig struct {
	SentryDSN   string `envconfig:"SENTRY_DSN"`
	Environment string `envconfig:"SENTRY_ENVIRONMENT" default:"development"`
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool   `envconfig:"CONVERSATION_LOG_ENABLED" default:"true"`
	Dir           string `envconfig:"CONVERSATION_LOG_DIR" default:"./data/logs/conversations"`
	GlobalEnabled bool   `envconfig:"CONVERSATION_LOG_GLOBAL_ENABLED" default:"false"`
	GlobalPath    string `envconfig:"CONVERSATION_LOG_GLOBAL_PATH" default:"./data/logs/conversations/all.ndjson"`
	QueueSize     int    `envconfig:"CONVERSATION_LOG_QUEUE_SIZE" default:"1000"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	sections := []any{
		&cfg,
		&cfg.Model,
		&cfg.Search,
		&cfg.Agent,
		&cfg.RateLimit,
		&cfg.Redis,
		&cfg.ErrorTracking,
		&cfg.ConversationLog,
	}
	for _, section := range sections {
		if err := envconfig.Process("", section); err != nil {
			return nil, fmt.Errorf("process env config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.SessionDBPath == "" {
		return fmt.Errorf("SESSION_DB_PATH cannot be empty")
	}
	switch c.Model.Provider {
	case "gemini":
		if c.Model.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required")
		}
	case "openai":
		if c.Model.OpenAIAPIKey == "" && c.Model.GeminiAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY or GEMINI_API_KEY is required")
		}
	default:
		return fmt.Errorf("MODEL_PROVIDER must be gemini or openai, got %q", c.Model.Provider)
	}
	if c.Search.APIKey == "" {
		return fmt.Errorf("TAVILY_API_KEY is required")
	}
	if c.Search.MaxResults <= 0 {
		return fmt.Errorf("SEARCH_MAX_RESULTS must be > 0")
	}
	if c.Agent.MaxTurns <= 0 {
		return fmt.Errorf("MAX_TURNS must be > 0")
	}
	if c.RateLimit.ChatRequests <= 0 || c.RateLimit.ChatWindow <= 0 {
		return fmt.Errorf("CHAT_RATE_LIMIT and CHAT_RATE_WINDOW must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if c.AppEnv != "" {
		return c.AppEnv == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// OpenAIKey returns the key for the OpenAI-compatible endpoint, falling back
// to the Gemini key since the default endpoint is Gemini's.
func (c ModelConfig) OpenAIKey() string {
	if c.OpenAIAPIKey != "" {
		return c.OpenAIAPIKey
	}
	return c.GeminiAPIKey
}
