package research

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/adk/tool"
	"google.golang.org/adk/tool/functiontool"

	"github.com/ashureev/medquery/internal/agent"
	"github.com/ashureev/medquery/internal/search"
)

// Tool names exposed to the models.
const (
	ToolWebSearch        = agent.ToolWebSearch
	ToolExtractURL       = "extract_url"
	ToolQuestionFromUser = agent.ToolQuestionFromUser
)

// Searcher is the web search backend used by the tools.
type Searcher interface {
	Search(ctx context.Context, query string) (*search.SearchResponse, error)
	Extract(ctx context.Context, urls []string) (*search.ExtractResponse, error)
}

type webSearchArgs struct {
	Query string `json:"query" jsonschema:"The search query"`
}

type extractURLArgs struct {
	URLs []string `json:"urls" jsonschema:"The URLs to retrieve content from"`
}

type questionArgs struct {
	Question string `json:"question" jsonschema:"The question to ask the user"`
}

// NewWebSearchTool searches the web.
func NewWebSearchTool(s Searcher, logger *slog.Logger) (tool.Tool, error) {
	return functiontool.New(
		functiontool.Config{
			Name:        ToolWebSearch,
			Description: "Search the web for up to date medical information. Returns titles, URLs and content snippets.",
		},
		func(ctx tool.Context, args webSearchArgs) (map[string]any, error) {
			return webSearch(ctx, s, logger, args.Query), nil
		},
	)
}

// NewExtractURLTool retrieves page content for a list of URLs.
func NewExtractURLTool(s Searcher, logger *slog.Logger) (tool.Tool, error) {
	return functiontool.New(
		functiontool.Config{
			Name:        ToolExtractURL,
			Description: "Retrieve the raw content of web pages found by web search.",
		},
		func(ctx tool.Context, args extractURLArgs) (map[string]any, error) {
			return extractURLs(ctx, s, logger, args.URLs), nil
		},
	)
}

// NewQuestionTool lets an agent ask the user a clarifying question. Its
// result ends the turn; the user's reply arrives as the next message.
func NewQuestionTool() (tool.Tool, error) {
	return functiontool.New(
		functiontool.Config{
			Name:        ToolQuestionFromUser,
			Description: "This tool is used for asking questions from the user.",
		},
		func(_ tool.Context, args questionArgs) (map[string]any, error) {
			return askUser(args.Question), nil
		},
	)
}

func webSearch(ctx context.Context, s Searcher, logger *slog.Logger, query string) map[string]any {
	logger.Info("Searching the web", "query", query)
	resp, err := s.Search(ctx, query)
	if err != nil {
		logger.Warn("Web search failed", "query", query, "error", err)
		return toolError(err)
	}
	return toMap(resp)
}

func extractURLs(ctx context.Context, s Searcher, logger *slog.Logger, urls []string) map[string]any {
	cleaned := make([]string, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			cleaned = append(cleaned, u)
		}
	}
	logger.Info("Extracting URLs", "count", len(cleaned))
	resp, err := s.Extract(ctx, cleaned)
	if err != nil {
		logger.Warn("URL extraction failed", "error", err)
		return toolError(err)
	}
	return toMap(resp)
}

func askUser(question string) map[string]any {
	return map[string]any{
		"type":     "ask_user",
		"question": question,
	}
}

func toolError(err error) map[string]any {
	return map[string]any{"error": err.Error()}
}

// toMap converts a response struct to the generic object the runtime hands
// back to the model.
func toMap(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return toolError(fmt.Errorf("encode tool result: %w", err))
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return toolError(fmt.Errorf("decode tool result: %w", err))
	}
	return out
}
