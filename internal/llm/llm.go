// Package llm builds the language model used by the research agents.
package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"google.golang.org/adk/model"
	"google.golang.org/adk/model/gemini"
	"google.golang.org/genai"

	"github.com/ashureev/medquery/internal/config"
)

// Supported providers.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// New returns the model selected by cfg.Provider.
func New(ctx context.Context, cfg config.ModelConfig, logger *slog.Logger) (model.LLM, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Provider {
	case ProviderGemini:
		m, err := gemini.NewModel(ctx, cfg.Name, &genai.ClientConfig{
			APIKey:  cfg.GeminiAPIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("create gemini model: %w", err)
		}
		logger.Info("Using Gemini model", "model", cfg.Name)
		return m, nil

	case ProviderOpenAI:
		client := openai.NewClient(
			option.WithAPIKey(cfg.OpenAIKey()),
			option.WithBaseURL(cfg.OpenAIBaseURL),
		)
		logger.Info("Using OpenAI-compatible model", "model", cfg.Name, "base_url", cfg.OpenAIBaseURL)
		return NewChatModel(&client, cfg.Name, logger), nil

	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
}
