// Package search is a client for the Tavily web search and extraction API.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ashureev/medquery/internal/metrics"
)

// ErrRateLimited is returned when the API answers 429.
var ErrRateLimited = errors.New("search API rate limit reached")

// Config configures a Client.
type Config struct {
	APIKey            string
	BaseURL           string
	MaxResults        int
	Timeout           time.Duration
	RequestsPerMinute int
}

// Client calls the Tavily REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	maxResults int
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates a Tavily client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}

	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
		burst = max(1, cfg.RequestsPerMinute/10)
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		maxResults: cfg.MaxResults,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
	}
}

// Result is one search hit.
type Result struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// SearchResponse is the body returned by POST /search.
type SearchResponse struct {
	Query        string   `json:"query"`
	Answer       string   `json:"answer,omitempty"`
	Results      []Result `json:"results"`
	ResponseTime float64  `json:"response_time"`
}

// ExtractedPage is the raw content of one extracted URL.
type ExtractedPage struct {
	URL        string `json:"url"`
	RawContent string `json:"raw_content"`
}

// FailedExtraction reports a URL that could not be extracted.
type FailedExtraction struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

// ExtractResponse is the body returned by POST /extract.
type ExtractResponse struct {
	Results       []ExtractedPage    `json:"results"`
	FailedResults []FailedExtraction `json:"failed_results"`
	ResponseTime  float64            `json:"response_time"`
}

type searchRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type extractRequest struct {
	URLs []string `json:"urls"`
}

// Search runs a web search for query.
func (c *Client) Search(ctx context.Context, query string) (*SearchResponse, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("search query is empty")
	}

	var out SearchResponse
	if err := c.post(ctx, "search", searchRequest{Query: query, MaxResults: c.maxResults}, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("Web search complete", "query", query, "results", len(out.Results))
	return &out, nil
}

// Extract fetches the content of the given URLs.
func (c *Client) Extract(ctx context.Context, urls []string) (*ExtractResponse, error) {
	if len(urls) == 0 {
		return nil, errors.New("no urls to extract")
	}

	var out ExtractResponse
	if err := c.post(ctx, "extract", extractRequest{URLs: urls}, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("URL extraction complete", "urls", len(urls), "failed", len(out.FailedResults))
	return &out, nil
}

func (c *Client) post(ctx context.Context, endpoint string, body, out any) (err error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for %s rate limit: %w", endpoint, err)
	}

	start := time.Now()
	defer func() { metrics.RecordSearchCall(endpoint, time.Since(start), err) }()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		c.logger.Warn("Search API rate limit reached", "endpoint", endpoint)
		return ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s returned status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}
