package research

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/medquery/internal/search"
)

type fakeSearcher struct {
	mu       sync.Mutex
	queries  []string
	urls     [][]string
	err      error
	response *search.SearchResponse
}

func (f *fakeSearcher) Search(_ context.Context, query string) (*search.SearchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	if f.response != nil {
		return f.response, nil
	}
	return &search.SearchResponse{
		Query: query,
		Results: []search.Result{
			{Title: "Migraine", URL: "https://www.nih.gov/migraine", Content: "Migraine is a headache disorder.", Score: 0.9},
		},
	}, nil
}

func (f *fakeSearcher) Extract(_ context.Context, urls []string) (*search.ExtractResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, urls)
	if f.err != nil {
		return nil, f.err
	}
	resp := &search.ExtractResponse{}
	for _, u := range urls {
		resp.Results = append(resp.Results, search.ExtractedPage{URL: u, RawContent: "content of " + u})
	}
	return resp, nil
}

func (f *fakeSearcher) searchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

func TestWebSearchResult(t *testing.T) {
	t.Parallel()

	s := &fakeSearcher{}
	out := webSearch(context.Background(), s, slog.Default(), "migraine")

	require.Equal(t, []string{"migraine"}, s.queries)
	assert.Equal(t, "migraine", out["query"])
	results, ok := out["results"].([]any)
	require.True(t, ok)
	require.Len(t, results, 1)
	first := results[0].(map[string]any)
	assert.Equal(t, "https://www.nih.gov/migraine", first["url"])
}

func TestWebSearchErrorIsReturnedToModel(t *testing.T) {
	t.Parallel()

	s := &fakeSearcher{err: search.ErrRateLimited}
	out := webSearch(context.Background(), s, slog.Default(), "migraine")
	assert.Equal(t, map[string]any{"error": search.ErrRateLimited.Error()}, out)
}

func TestExtractURLsSkipsBlank(t *testing.T) {
	t.Parallel()

	s := &fakeSearcher{}
	out := extractURLs(context.Background(), s, slog.Default(), []string{" https://a.gov ", "", "https://b.edu"})

	require.Len(t, s.urls, 1)
	assert.Equal(t, []string{"https://a.gov", "https://b.edu"}, s.urls[0])
	results := out["results"].([]any)
	assert.Len(t, results, 2)
}

func TestExtractURLsError(t *testing.T) {
	t.Parallel()

	s := &fakeSearcher{err: errors.New("boom")}
	out := extractURLs(context.Background(), s, slog.Default(), []string{"https://a.gov"})
	assert.Equal(t, "boom", out["error"])
}

func TestAskUser(t *testing.T) {
	t.Parallel()

	assert.Equal(t, map[string]any{"type": "ask_user", "question": "How old are you?"}, askUser("How old are you?"))
}

func TestToolsHaveExpectedNames(t *testing.T) {
	t.Parallel()

	s := &fakeSearcher{}
	web, err := NewWebSearchTool(s, slog.Default())
	require.NoError(t, err)
	extract, err := NewExtractURLTool(s, slog.Default())
	require.NoError(t, err)
	question, err := NewQuestionTool()
	require.NoError(t, err)

	assert.Equal(t, ToolWebSearch, web.Name())
	assert.Equal(t, ToolExtractURL, extract.Name())
	assert.Equal(t, ToolQuestionFromUser, question.Name())
	assert.Equal(t, "This tool is used for asking questions from the user.", question.Description())
}
