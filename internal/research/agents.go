// Package research builds the medical research agent team and runs it on
// the agent runtime.
package research

import (
	"fmt"
	"log/slog"
	"time"

	adkagent "google.golang.org/adk/agent"
	"google.golang.org/adk/agent/llmagent"
	"google.golang.org/adk/model"
	"google.golang.org/adk/tool"
	"google.golang.org/adk/tool/agenttool"
	"google.golang.org/genai"

	"github.com/ashureev/medquery/internal/domain"
)

// Agent names. Agents used as tools are called by these names.
const (
	RequirementAgentName = "Requirement_Gathering_Agent"
	LeadAgentName        = "Lead_Research_Agent"
	PlanningAgentName    = "Planning_Agent"
	SearchAgentName      = "Search_Agent"
	SynthesisAgentName   = "Synthesis_Agent"
	ReflectionAgentName  = "Reflection_Agent"
	CitationAgentName    = "Citation_Agent"
)

const maxOutputTokens = 4000

func creative() *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{Temperature: genai.Ptr[float32](1.5)}
}

func bounded() *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{MaxOutputTokens: maxOutputTokens}
}

// TreeConfig holds what an agent tree is built from.
type TreeConfig struct {
	Model    model.LLM
	Searcher Searcher
	User     domain.UserContext
	Now      time.Time
	Logger   *slog.Logger
}

// NewAgentTree builds the agents for one turn. The entry agent gathers
// requirements; with deep search enabled it may hand off to the lead agent,
// which orchestrates the specialist agents as tools.
func NewAgentTree(cfg TreeConfig) (adkagent.Agent, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now.IsZero() {
		cfg.Now = time.Now()
	}

	webSearch, err := NewWebSearchTool(cfg.Searcher, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("create %s tool: %w", ToolWebSearch, err)
	}
	extractURL, err := NewExtractURLTool(cfg.Searcher, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("create %s tool: %w", ToolExtractURL, err)
	}
	question, err := NewQuestionTool()
	if err != nil {
		return nil, fmt.Errorf("create %s tool: %w", ToolQuestionFromUser, err)
	}

	var subAgents []adkagent.Agent
	if cfg.User.DeepSearch {
		lead, err := newLeadAgent(cfg, webSearch, extractURL)
		if err != nil {
			return nil, err
		}
		subAgents = append(subAgents, lead)
	}

	return llmagent.New(llmagent.Config{
		Name:        RequirementAgentName,
		Description: "Collects the user's requirements and answers simple medical questions.",
		Model:       cfg.Model,
		Instruction: RequirementInstruction(cfg.User),
		Tools:       []tool.Tool{question, webSearch},
		SubAgents:   subAgents,
	})
}

func newLeadAgent(cfg TreeConfig, webSearch, extractURL tool.Tool) (adkagent.Agent, error) {
	specialists := []llmagent.Config{
		{
			Name:                  PlanningAgentName,
			Description:           "This agent plans the next steps for searching medical information.",
			Instruction:           planningInstruction,
			GenerateContentConfig: creative(),
		},
		{
			Name:                  SearchAgentName,
			Description:           "Useful for when you need to search the web for information to answer the user's query.",
			Instruction:           SearchInstruction(cfg.User),
			Tools:                 []tool.Tool{webSearch, extractURL},
			GenerateContentConfig: creative(),
		},
		{
			Name:                  SynthesisAgentName,
			Description:           "A synthesis agent that takes all research findings and organizes them into clear sections with themes, trends, and key insights.",
			Instruction:           synthesisInstruction,
			GenerateContentConfig: bounded(),
		},
		{
			Name:                  ReflectionAgentName,
			Description:           "A reflective agent that checks the quality and reliability of the information and its sources.",
			Instruction:           reflectionInstruction,
			Tools:                 []tool.Tool{webSearch},
			GenerateContentConfig: bounded(),
		},
		{
			Name:                  CitationAgentName,
			Description:           "A citation agent to provide citations for the information.",
			Instruction:           citationInstruction,
			Tools:                 []tool.Tool{webSearch},
			GenerateContentConfig: bounded(),
		},
	}

	tools := make([]tool.Tool, 0, len(specialists))
	for _, c := range specialists {
		c.Model = cfg.Model
		a, err := llmagent.New(c)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", c.Name, err)
		}
		tools = append(tools, agenttool.New(a, &agenttool.Config{}))
	}

	leadConfig := creative()
	leadConfig.MaxOutputTokens = maxOutputTokens

	return llmagent.New(llmagent.Config{
		Name:                     LeadAgentName,
		Description:              "This agent takes the requirements gathered by the Requirement Gathering Agent and deep searches for the information.",
		Model:                    cfg.Model,
		Instruction:              LeadInstruction(cfg.User, cfg.Now),
		Tools:                    tools,
		GenerateContentConfig:    leadConfig,
		DisallowTransferToParent: true,
		DisallowTransferToPeers:  true,
	})
}
