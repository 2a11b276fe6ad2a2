package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	adkagent "google.golang.org/adk/agent"
	"google.golang.org/adk/model"
	"google.golang.org/adk/runner"
	"google.golang.org/adk/session"
	"google.golang.org/genai"

	"github.com/ashureev/medquery/internal/agent"
	"github.com/ashureev/medquery/internal/store"
)

// transferTool is the function the runtime injects for agent handoffs.
const transferTool = "transfer_to_agent"

// RuntimeConfig wires a Runtime.
type RuntimeConfig struct {
	AppName  string
	Model    model.LLM
	Searcher Searcher
	Sessions session.Service
	// MaxTurns caps the model responses in one turn.
	MaxTurns int
	Logger   *slog.Logger
}

// Runtime runs the research agents for one conversation turn. It also
// manages the runtime's conversation sessions.
type Runtime struct {
	appName  string
	model    model.LLM
	searcher Searcher
	sessions session.Service
	maxTurns int
	now      func() time.Time
	logger   *slog.Logger
}

// NewRuntime creates a Runtime.
func NewRuntime(cfg RuntimeConfig) *Runtime {
	if cfg.Sessions == nil {
		cfg.Sessions = session.InMemoryService()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AppName == "" {
		cfg.AppName = "medquery"
	}
	return &Runtime{
		appName:  cfg.AppName,
		model:    cfg.Model,
		searcher: cfg.Searcher,
		sessions: cfg.Sessions,
		maxTurns: cfg.MaxTurns,
		now:      time.Now,
		logger:   cfg.Logger,
	}
}

// EnsureSession creates the session unless it already exists.
func (r *Runtime) EnsureSession(ctx context.Context, userID, sessionID string) error {
	_, err := r.sessions.Get(ctx, &session.GetRequest{
		AppName:         r.appName,
		UserID:          userID,
		SessionID:       sessionID,
		NumRecentEvents: 1,
	})
	if err == nil {
		return nil
	}

	_, err = r.sessions.Create(ctx, &session.CreateRequest{
		AppName:   r.appName,
		UserID:    userID,
		SessionID: sessionID,
	})
	if err != nil && !errors.Is(err, store.ErrDuplicate) {
		return fmt.Errorf("create runtime session: %w", err)
	}
	return nil
}

// DeleteSession drops the session and its history.
func (r *Runtime) DeleteSession(ctx context.Context, userID, sessionID string) error {
	return r.sessions.Delete(ctx, &session.DeleteRequest{
		AppName:   r.appName,
		UserID:    userID,
		SessionID: sessionID,
	})
}

// Run executes one turn. The session must exist.
func (r *Runtime) Run(ctx context.Context, req agent.RunRequest) iter.Seq2[agent.RuntimeEvent, error] {
	return func(yield func(agent.RuntimeEvent, error) bool) {
		root, err := NewAgentTree(TreeConfig{
			Model:    r.model,
			Searcher: r.searcher,
			User:     req.User,
			Now:      r.now(),
			Logger:   r.logger,
		})
		if err != nil {
			yield(agent.RuntimeEvent{}, fmt.Errorf("build agents: %w", err))
			return
		}

		rn, err := runner.New(runner.Config{
			AppName:        r.appName,
			Agent:          root,
			SessionService: r.sessions,
		})
		if err != nil {
			yield(agent.RuntimeEvent{}, fmt.Errorf("create runner: %w", err))
			return
		}

		msg := &genai.Content{
			Role:  "user",
			Parts: []*genai.Part{{Text: req.Input}},
		}
		conv := &eventConverter{maxTurns: r.maxTurns}
		runConfig := adkagent.RunConfig{StreamingMode: adkagent.StreamingModeNone}

		for ev, err := range rn.Run(ctx, req.UserID, req.SessionID, msg, runConfig) {
			if err != nil {
				yield(agent.RuntimeEvent{}, err)
				return
			}
			out, err := conv.convert(ev)
			for _, re := range out {
				if !yield(re, nil) {
					return
				}
			}
			if err != nil {
				r.logger.Warn("Agent run stopped", "user_email", req.UserID, "turns", conv.turns, "error", err)
				yield(agent.RuntimeEvent{}, err)
				return
			}
		}
	}
}

// eventConverter turns runtime events into RuntimeEvents and enforces the
// turn budget.
type eventConverter struct {
	maxTurns int
	turns    int
	current  string
}

func (c *eventConverter) convert(ev *session.Event) ([]agent.RuntimeEvent, error) {
	if ev == nil || ev.LLMResponse.Partial {
		return nil, nil
	}

	var out []agent.RuntimeEvent
	if ev.Author != "" && ev.Author != "user" && ev.Author != c.current {
		c.current = ev.Author
		out = append(out, agent.RuntimeEvent{Kind: agent.EventAgentUpdated, AgentName: ev.Author})
	}

	if ev.LLMResponse.ErrorMessage != "" {
		return out, fmt.Errorf("model error %v: %s", ev.LLMResponse.ErrorCode, ev.LLMResponse.ErrorMessage)
	}

	content := ev.LLMResponse.Content
	if content == nil {
		return out, nil
	}

	if content.Role == "model" {
		c.turns++
		if c.maxTurns > 0 && c.turns > c.maxTurns {
			return out, fmt.Errorf("%w (%d)", agent.ErrMaxTurnsExceeded, c.maxTurns)
		}
	}

	var text strings.Builder
	for _, part := range content.Parts {
		switch {
		case part.FunctionCall != nil:
			if part.FunctionCall.Name == transferTool {
				continue
			}
			out = append(out, agent.RuntimeEvent{
				Kind:      agent.EventToolCall,
				AgentName: ev.Author,
				ToolName:  part.FunctionCall.Name,
				ToolArgs:  encodeJSON(part.FunctionCall.Args),
			})
		case part.FunctionResponse != nil:
			if part.FunctionResponse.Name == transferTool {
				continue
			}
			out = append(out, agent.RuntimeEvent{
				Kind:       agent.EventToolOutput,
				AgentName:  ev.Author,
				ToolName:   part.FunctionResponse.Name,
				ToolOutput: encodeJSON(part.FunctionResponse.Response),
			})
		case part.Text != "" && !part.Thought:
			text.WriteString(part.Text)
		}
	}

	if text.Len() > 0 && ev.IsFinalResponse() {
		out = append(out, agent.RuntimeEvent{
			Kind:      agent.EventMessage,
			AgentName: ev.Author,
			Text:      text.String(),
		})
	}
	return out, nil
}

func encodeJSON(v map[string]any) string {
	if v == nil {
		return "{}"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
