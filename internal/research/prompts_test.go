package research

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ashureev/medquery/internal/domain"
)

func TestInstructionsContainNoPlaceholders(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, u := range []domain.UserContext{
		{Name: "Ana", Doctor: true, DeepSearch: true},
		{Name: "Ana", Doctor: false, DeepSearch: false},
		{DeepSearch: true},
		{Name: "{nick}", DeepSearch: true},
		{Name: "{app:secret} Ana", Doctor: true, DeepSearch: true},
	} {
		for _, text := range []string{
			RequirementInstruction(u),
			LeadInstruction(u, now),
			SearchInstruction(u),
			planningInstruction,
			synthesisInstruction,
			reflectionInstruction,
			citationInstruction,
		} {
			assert.NotContains(t, text, "{")
			assert.NotContains(t, text, "}")
			assert.NotContains(t, text, "%!")
		}
	}
}

func TestRequirementInstruction(t *testing.T) {
	t.Parallel()

	deep := RequirementInstruction(domain.UserContext{Name: "Ana", Doctor: true, DeepSearch: true})
	assert.Contains(t, deep, "The user's name is Ana and the user is a doctor.")
	assert.Contains(t, deep, LeadAgentName)

	short := RequirementInstruction(domain.UserContext{Name: "Ana"})
	assert.Contains(t, short, "minimum of 5 bullet points")
	assert.Contains(t, short, "Do not use any other agent")
	assert.Contains(t, short, "the user is a patient")
	assert.NotContains(t, short, LeadAgentName)

	anonymous := RequirementInstruction(domain.UserContext{DeepSearch: true})
	assert.Contains(t, anonymous, "The user's name is unknown")

	braced := RequirementInstruction(domain.UserContext{Name: "{user:nick}  Ana", DeepSearch: true})
	assert.Contains(t, braced, "The user's name is user:nick Ana and")

	onlyBraces := RequirementInstruction(domain.UserContext{Name: "{}", DeepSearch: true})
	assert.Contains(t, onlyBraces, "The user's name is unknown")
}

func TestLeadInstruction(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 10, 17, 15, 4, 0, 0, time.UTC)
	deep := LeadInstruction(domain.UserContext{DeepSearch: true, Doctor: true}, now)
	assert.Contains(t, deep, "as of 2026-10-17")
	assert.Contains(t, deep, "the user is a doctor")
	for _, name := range []string{PlanningAgentName, SearchAgentName, SynthesisAgentName, ReflectionAgentName, CitationAgentName} {
		assert.Contains(t, deep, name)
	}
	assert.Less(t, strings.Index(deep, PlanningAgentName), strings.Index(deep, CitationAgentName))

	short := LeadInstruction(domain.UserContext{}, now)
	assert.Contains(t, short, "minimum of 5 bullet points")
	assert.NotContains(t, short, "2026")
}

func TestSearchInstruction(t *testing.T) {
	t.Parallel()

	deep := SearchInstruction(domain.UserContext{DeepSearch: true})
	assert.Contains(t, deep, "400 words")
	assert.Contains(t, deep, "Source A says X, but Source B says Y")
	assert.Contains(t, deep, ToolExtractURL)

	short := SearchInstruction(domain.UserContext{Doctor: true})
	assert.Contains(t, short, "5 bullet points")
	assert.Contains(t, short, "the user is a doctor")
	assert.NotContains(t, short, "400 words")
}
