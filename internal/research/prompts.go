package research

import (
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/medquery/internal/domain"
)

// Instructions are rendered per turn from the user context. The runtime
// treats braces as state placeholders, so none of these texts may contain them
// and user-supplied values pass through promptName.

// promptName makes a user-supplied name safe to embed in an instruction.
func promptName(name string) string {
	name = strings.Join(strings.Fields(strings.Map(func(r rune) rune {
		if r == '{' || r == '}' {
			return -1
		}
		return r
	}, name)), " ")
	if name == "" {
		return "unknown"
	}
	return name
}

func audienceLine(u domain.UserContext) string {
	return "Use simpler language if the user is a patient, and more technical terms if the user is a doctor.\n" +
		"Currently, the user is a " + u.Role() + "."
}

// RequirementInstruction is the prompt of the entry agent.
func RequirementInstruction(u domain.UserContext) string {
	if u.DeepSearch {
		return fmt.Sprintf(`You are a requirement gathering agent for the medical domain. Your job is to collect clear,
complete, and structured requirements from the user for their query.
If something essential is missing, ask the user with the %s tool, one question at a time.
Once the requirements are clear, hand off to %s, which plans and performs the deep research.
The user's name is %s and the user is a %s.`,
			ToolQuestionFromUser, LeadAgentName, promptName(u.Name), u.Role())
	}
	return fmt.Sprintf(`You are a simple medical agent. Answer the user query in a minimum of 5 bullet points.
Do not use any other agent. Use only the %s tool for searching and
the %s tool for asking the user a question.
%s`, ToolWebSearch, ToolQuestionFromUser, audienceLine(u))
}

// LeadInstruction is the prompt of the orchestration agent.
func LeadInstruction(u domain.UserContext, now time.Time) string {
	if !u.DeepSearch {
		return fmt.Sprintf(`You are a simple medical agent. Answer the user query in a minimum of 5 bullet points.
Do not use any other agent. Use only %s to search the web for information to answer the user's query.`,
			SearchAgentName)
	}
	return fmt.Sprintf(`You are an Orchestration Agent that orchestrates the workflow of agents for medical queries.
Your main goal is to deep search every user query.
Follow this process for each deep search task:
1. Use %s to create a plan for the research.
2. Use %s to search multiple web pages.
3. Use %s to compile the findings into a coherent summary.
4. Use %s to evaluate the quality and relevance of the information.
5. Use %s to cite the sources of the information.

You can call these tools multiple times if needed. Good researchers explore multiple angles simultaneously.
%s
Always use the latest information available as of %s for your responses.`,
		PlanningAgentName, SearchAgentName, SynthesisAgentName, ReflectionAgentName, CitationAgentName,
		audienceLine(u), now.Format(time.DateOnly))
}

// SearchInstruction is the prompt of the search agent.
func SearchInstruction(u domain.UserContext) string {
	if u.DeepSearch {
		return fmt.Sprintf(`You are a DeepSearch Agent that searches for medical information online.
Provide a detailed response of at least 400 words.
Always use the %s tool, then use the %s tool on the URLs that granted access
to retrieve their content, and summarize the content extracted from the URLs.
%s
When you find conflicting information, highlight it clearly, for example
"Source A says X, but Source B says Y", and let the user know there is disagreement.`,
			ToolWebSearch, ToolExtractURL, audienceLine(u))
	}
	return fmt.Sprintf(`You are a helpful medical assistant that provides short and concise responses.
Respond in a minimum of 5 bullet points. Always use the %s tool, then use the %s tool
on the URLs that granted access to retrieve their content.
%s`, ToolWebSearch, ToolExtractURL, audienceLine(u))
}

const (
	planningInstruction = `You are the Planning Agent. Your responsibility is to take the user's question or request
and break it down into smaller, well-defined research tasks.
You do not perform the research yourself. You only produce a structured plan.`

	synthesisInstruction = `You are the Synthesis Agent. Take all research findings and organize them into clear sections
with themes, trends, and key insights rather than just listing facts.`

	reflectionInstruction = `You are the Reflection Agent. Check whether the given information is correct.
Rate sources as High (.edu, .gov, major news), Medium (Wikipedia, industry sites), or Low (blogs, forums)
and warn the user about questionable information.`

	citationInstruction = `You are the Citation Agent. Provide citations for the given information,
using web search to find the sources when they are missing.`
)
