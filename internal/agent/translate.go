package agent

import (
	"github.com/tidwall/gjson"
)

// Tool names with dedicated display strings.
const (
	ToolWebSearch        = "web_search"
	ToolQuestionFromUser = "question_from_user"
)

// Translate maps a runtime event to the envelope sent to the client.
// ok is false for events the client never sees, such as ordinary tool output.
func Translate(ev RuntimeEvent) (env Envelope, ok bool) {
	switch ev.Kind {
	case EventAgentUpdated:
		return Envelope{
			Type:      EnvelopeAgentUpdate,
			Output:    "Handing over to : " + ev.AgentName,
			AgentName: ev.AgentName,
		}, true

	case EventToolCall:
		if ev.ToolName == "" {
			return Envelope{Type: EnvelopeToolCall, Output: "Tool is being used", ToolName: "unknown"}, true
		}
		return Envelope{
			Type:     EnvelopeToolCall,
			Output:   toolCallDisplay(ev.ToolName, ev.ToolArgs),
			ToolName: ev.ToolName,
		}, true

	case EventToolOutput:
		if question, ok := askUserQuestion(ev.ToolOutput); ok {
			return Envelope{Type: EnvelopeAskUser, Question: question}, true
		}
		return Envelope{}, false

	case EventMessage:
		return Envelope{Type: EnvelopeAnswer, Output: ev.Text}, true
	}
	return Envelope{}, false
}

func toolCallDisplay(name, args string) string {
	fallback := "🔧 Using tool: " + name
	if !gjson.Valid(args) {
		return fallback
	}
	switch name {
	case ToolWebSearch:
		if q := gjson.Get(args, "query"); q.Exists() {
			return "🔍 Searching for: " + q.String()
		}
	case ToolQuestionFromUser:
		if q := gjson.Get(args, "question"); q.Exists() {
			return "❓ Asking: " + q.String()
		}
	}
	return fallback
}

// askUserQuestion detects a clarifying-question tool result. The output may
// be a JSON object or a JSON string holding one.
func askUserQuestion(output string) (string, bool) {
	if !gjson.Valid(output) {
		return "", false
	}
	res := gjson.Parse(output)
	if res.Type == gjson.String && gjson.Valid(res.Str) {
		res = gjson.Parse(res.Str)
	}
	if !res.IsObject() || res.Get("type").String() != string(EnvelopeAskUser) {
		return "", false
	}
	return res.Get("question").String(), true
}
