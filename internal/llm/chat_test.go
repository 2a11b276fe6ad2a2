package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/adk/model"
	"google.golang.org/genai"

	"github.com/ashureev/medquery/internal/config"
)

func searchDeclaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        "web_search",
		Description: "Search the web",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"query": {Type: genai.TypeString, Description: "search terms"},
			},
			Required: []string{"query"},
		},
	}
}

func TestBuildParams(t *testing.T) {
	t.Parallel()
	req := &model.LLMRequest{
		Config: &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText("You are a medical agent.", genai.RoleUser),
			Temperature:       genai.Ptr[float32](1.5),
			MaxOutputTokens:   4000,
			Tools:             []*genai.Tool{{FunctionDeclarations: []*genai.FunctionDeclaration{searchDeclaration()}}},
		},
		Contents: []*genai.Content{
			genai.NewContentFromText("what is metformin?", genai.RoleUser),
			{Role: genai.RoleModel, Parts: []*genai.Part{{
				FunctionCall: &genai.FunctionCall{ID: "c1", Name: "web_search", Args: map[string]any{"query": "metformin"}},
			}}},
			{Role: genai.RoleUser, Parts: []*genai.Part{{
				FunctionResponse: &genai.FunctionResponse{ID: "c1", Name: "web_search", Response: map[string]any{"results": 1}},
			}}},
			genai.NewContentFromText("Metformin is a diabetes drug.", genai.RoleModel),
		},
	}

	params, err := buildParams("gemini-2.5-flash", req)
	require.NoError(t, err)

	assert.Equal(t, "gemini-2.5-flash", params.Model)
	assert.InDelta(t, 1.5, params.Temperature.Value, 0.001)
	assert.Equal(t, int64(4000), params.MaxTokens.Value)

	require.Len(t, params.Messages, 5)
	require.NotNil(t, params.Messages[0].OfSystem)
	require.NotNil(t, params.Messages[1].OfUser)
	require.NotNil(t, params.Messages[2].OfAssistant)
	require.Len(t, params.Messages[2].OfAssistant.ToolCalls, 1)
	call := params.Messages[2].OfAssistant.ToolCalls[0]
	assert.Equal(t, "c1", call.ID)
	assert.JSONEq(t, `{"query":"metformin"}`, call.Function.Arguments)
	require.NotNil(t, params.Messages[3].OfTool)
	assert.Equal(t, "c1", params.Messages[3].OfTool.ToolCallID)
	require.NotNil(t, params.Messages[4].OfAssistant)

	require.Len(t, params.Tools, 1)
	fn := params.Tools[0].Function
	assert.Equal(t, "web_search", fn.Name)
	assert.Equal(t, "object", fn.Parameters["type"])
	assert.Equal(t, []string{"query"}, fn.Parameters["required"])
	props := fn.Parameters["properties"].(map[string]any)
	assert.Equal(t, "string", props["query"].(map[string]any)["type"])
}

func TestContentText(t *testing.T) {
	t.Parallel()

	assert.Empty(t, contentText(nil))

	c := &genai.Content{Parts: []*genai.Part{
		{Text: "You are a medical agent."},
		{Text: "planning the answer", Thought: true},
		nil,
		{Text: "Answer in bullet points."},
	}}
	assert.Equal(t, "You are a medical agent.\nAnswer in bullet points.", contentText(c))
}

func TestDeclarationParametersPrefersJSONSchema(t *testing.T) {
	t.Parallel()
	fd := &genai.FunctionDeclaration{
		Name: "extract_url",
		ParametersJsonSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"urls": map[string]any{"type": "array"}},
		},
	}
	params, err := declarationParameters(fd)
	require.NoError(t, err)
	assert.Equal(t, "object", params["type"])
	assert.Contains(t, params["properties"], "urls")
}

func TestCallIDFallsBackToName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "abc", callID("abc", "web_search"))
	assert.Equal(t, "call_web_search", callID("", "web_search"))
}

func TestFinishReason(t *testing.T) {
	t.Parallel()
	assert.Equal(t, genai.FinishReasonStop, finishReason("stop"))
	assert.Equal(t, genai.FinishReasonStop, finishReason("tool_calls"))
	assert.Equal(t, genai.FinishReasonMaxTokens, finishReason("length"))
}

func TestGenerateContentRoundTrip(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req map[string]any
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "gemini-2.5-flash", req["model"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "gemini-2.5-flash",
			"choices": [{
				"index": 0,
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "question_from_user", "arguments": "{\"question\":\"How old are you?\"}"}
					}]
				}
			}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`)
	}))
	t.Cleanup(srv.Close)

	client := openai.NewClient(option.WithAPIKey("k"), option.WithBaseURL(srv.URL+"/"), option.WithMaxRetries(0))
	m := NewChatModel(&client, "gemini-2.5-flash", nil)

	var got []*model.LLMResponse
	for resp, err := range m.GenerateContent(context.Background(), &model.LLMRequest{
		Contents: []*genai.Content{genai.NewContentFromText("I have a headache", genai.RoleUser)},
	}, false) {
		require.NoError(t, err)
		got = append(got, resp)
	}

	require.Len(t, got, 1)
	resp := got[0]
	assert.True(t, resp.TurnComplete)
	assert.Equal(t, int32(15), resp.UsageMetadata.TotalTokenCount)
	require.Len(t, resp.Content.Parts, 1)
	fc := resp.Content.Parts[0].FunctionCall
	require.NotNil(t, fc)
	assert.Equal(t, "call_1", fc.ID)
	assert.Equal(t, "question_from_user", fc.Name)
	assert.Equal(t, "How old are you?", fc.Args["question"])
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	t.Parallel()
	_, err := New(context.Background(), config.ModelConfig{Provider: "nope"}, nil)
	assert.Error(t, err)
}
