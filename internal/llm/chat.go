package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"google.golang.org/adk/model"
	"google.golang.org/genai"
)

// ChatModel adapts an OpenAI-compatible Chat Completions endpoint to the
// agent runtime's model.LLM interface.
type ChatModel struct {
	client *openai.Client
	name   string
	logger *slog.Logger
}

// NewChatModel wraps client as a model.LLM calling the named model.
func NewChatModel(client *openai.Client, name string, logger *slog.Logger) *ChatModel {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatModel{
		client: client,
		name:   name,
		logger: logger.With("component", "chat_model", "model", name),
	}
}

// Name returns the model name.
func (m *ChatModel) Name() string {
	return m.name
}

// GenerateContent sends one completion request. Streaming is not supported;
// a single complete response is yielded either way.
func (m *ChatModel) GenerateContent(ctx context.Context, req *model.LLMRequest, _ bool) iter.Seq2[*model.LLMResponse, error] {
	return func(yield func(*model.LLMResponse, error) bool) {
		params, err := buildParams(m.name, req)
		if err != nil {
			yield(nil, err)
			return
		}

		m.logger.Debug("Calling LLM", "messages", len(params.Messages), "tools", len(params.Tools))

		resp, err := m.client.Chat.Completions.New(ctx, params)
		if err != nil {
			yield(nil, fmt.Errorf("chat completion: %w", err))
			return
		}

		out, err := toLLMResponse(resp)
		if err != nil {
			yield(nil, err)
			return
		}
		yield(out, nil)
	}
}

// buildParams converts a runtime request into Chat Completions parameters.
func buildParams(name string, req *model.LLMRequest) (openai.ChatCompletionNewParams, error) {
	if req.Model != "" {
		name = req.Model
	}
	params := openai.ChatCompletionNewParams{Model: name}

	if cfg := req.Config; cfg != nil {
		if text := contentText(cfg.SystemInstruction); text != "" {
			params.Messages = append(params.Messages, openai.SystemMessage(text))
		}
		if cfg.Temperature != nil {
			params.Temperature = openai.Float(float64(*cfg.Temperature))
		}
		if cfg.MaxOutputTokens > 0 {
			params.MaxTokens = openai.Int(int64(cfg.MaxOutputTokens))
		}
		tools, err := toolParams(cfg.Tools)
		if err != nil {
			return params, err
		}
		params.Tools = tools
	}

	for _, c := range req.Contents {
		msgs, err := contentMessages(c)
		if err != nil {
			return params, err
		}
		params.Messages = append(params.Messages, msgs...)
	}
	return params, nil
}

// contentText joins the visible text parts of c. Thought parts are dropped.
func contentText(c *genai.Content) string {
	if c == nil {
		return ""
	}
	texts := make([]string, 0, len(c.Parts))
	for _, p := range c.Parts {
		if p == nil || p.Thought || p.Text == "" {
			continue
		}
		texts = append(texts, p.Text)
	}
	return strings.Join(texts, "\n")
}

// contentMessages converts one conversation entry. Function responses become
// tool messages; function calls become assistant tool calls.
func contentMessages(c *genai.Content) ([]openai.ChatCompletionMessageParamUnion, error) {
	if c == nil {
		return nil, nil
	}

	var (
		msgs      []openai.ChatCompletionMessageParamUnion
		text      strings.Builder
		toolCalls []openai.ChatCompletionMessageToolCallParam
	)
	for _, p := range c.Parts {
		switch {
		case p == nil:
		case p.FunctionCall != nil:
			args, err := json.Marshal(p.FunctionCall.Args)
			if err != nil {
				return nil, fmt.Errorf("encode arguments for %s: %w", p.FunctionCall.Name, err)
			}
			toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
				ID:   callID(p.FunctionCall.ID, p.FunctionCall.Name),
				Type: "function",
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      p.FunctionCall.Name,
					Arguments: string(args),
				},
			})
		case p.FunctionResponse != nil:
			body, err := json.Marshal(p.FunctionResponse.Response)
			if err != nil {
				return nil, fmt.Errorf("encode response for %s: %w", p.FunctionResponse.Name, err)
			}
			msgs = append(msgs, openai.ToolMessage(string(body), callID(p.FunctionResponse.ID, p.FunctionResponse.Name)))
		case p.Text != "" && !p.Thought:
			text.WriteString(p.Text)
		}
	}

	switch {
	case c.Role == genai.RoleModel && len(toolCalls) > 0:
		assistant := openai.ChatCompletionAssistantMessageParam{Role: "assistant", ToolCalls: toolCalls}
		if text.Len() > 0 {
			assistant.Content.OfString = openai.String(text.String())
		}
		msgs = append(msgs, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
	case c.Role == genai.RoleModel && text.Len() > 0:
		msgs = append(msgs, openai.AssistantMessage(text.String()))
	case text.Len() > 0:
		msgs = append(msgs, openai.UserMessage(text.String()))
	}
	return msgs, nil
}

// callID pairs calls with responses when the runtime left the ID empty.
func callID(id, name string) string {
	if id != "" {
		return id
	}
	return "call_" + name
}

func toolParams(tools []*genai.Tool) ([]openai.ChatCompletionToolParam, error) {
	var out []openai.ChatCompletionToolParam
	for _, t := range tools {
		if t == nil {
			continue
		}
		for _, fd := range t.FunctionDeclarations {
			params, err := declarationParameters(fd)
			if err != nil {
				return nil, fmt.Errorf("tool %s: %w", fd.Name, err)
			}
			out = append(out, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        fd.Name,
					Description: openai.String(fd.Description),
					Parameters:  params,
				},
			})
		}
	}
	return out, nil
}

func declarationParameters(fd *genai.FunctionDeclaration) (openai.FunctionParameters, error) {
	switch {
	case fd.ParametersJsonSchema != nil:
		raw, err := json.Marshal(fd.ParametersJsonSchema)
		if err != nil {
			return nil, fmt.Errorf("encode json schema: %w", err)
		}
		var params openai.FunctionParameters
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, fmt.Errorf("decode json schema: %w", err)
		}
		return params, nil
	case fd.Parameters != nil:
		return schemaMap(fd.Parameters), nil
	default:
		return openai.FunctionParameters{"type": "object", "properties": map[string]any{}}, nil
	}
}

// schemaMap renders a genai schema as JSON Schema.
func schemaMap(s *genai.Schema) map[string]any {
	out := map[string]any{}
	if s.Type != "" {
		out["type"] = strings.ToLower(string(s.Type))
	}
	if s.Description != "" {
		out["description"] = s.Description
	}
	if len(s.Enum) > 0 {
		out["enum"] = s.Enum
	}
	if s.Items != nil {
		out["items"] = schemaMap(s.Items)
	}
	if len(s.Properties) > 0 {
		props := make(map[string]any, len(s.Properties))
		for name, prop := range s.Properties {
			props[name] = schemaMap(prop)
		}
		out["properties"] = props
	} else if s.Type == genai.TypeObject {
		out["properties"] = map[string]any{}
	}
	if len(s.Required) > 0 {
		out["required"] = s.Required
	}
	return out
}

func toLLMResponse(resp *openai.ChatCompletion) (*model.LLMResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}
	choice := resp.Choices[0]

	content := &genai.Content{Role: genai.RoleModel}
	if choice.Message.Content != "" {
		content.Parts = append(content.Parts, genai.NewPartFromText(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("decode arguments for %s: %w", tc.Function.Name, err)
			}
		}
		content.Parts = append(content.Parts, &genai.Part{
			FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Function.Name, Args: args},
		})
	}

	out := &model.LLMResponse{
		Content:      content,
		FinishReason: finishReason(choice.FinishReason),
		TurnComplete: true,
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
			PromptTokenCount:     int32(resp.Usage.PromptTokens),
			CandidatesTokenCount: int32(resp.Usage.CompletionTokens),
			TotalTokenCount:      int32(resp.Usage.TotalTokens),
		},
	}
	return out, nil
}

func finishReason(reason string) genai.FinishReason {
	switch reason {
	case "length":
		return genai.FinishReasonMaxTokens
	case "content_filter":
		return genai.FinishReasonSafety
	default:
		return genai.FinishReasonStop
	}
}

var _ model.LLM = (*ChatModel)(nil)
