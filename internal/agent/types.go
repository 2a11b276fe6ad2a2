// Package agent runs research conversations and translates runtime events
// into the envelopes sent to clients.
package agent

import (
	"encoding/json"
	"errors"

	"github.com/ashureev/medquery/internal/domain"
)

// ErrMaxTurnsExceeded is returned by a Runtime when a turn uses more model
// calls than allowed.
var ErrMaxTurnsExceeded = errors.New("max turns exceeded")

// EventKind identifies what a runtime event reports.
type EventKind int

const (
	// EventAgentUpdated reports that a different agent took over.
	EventAgentUpdated EventKind = iota + 1
	// EventToolCall reports that an agent invoked a tool.
	EventToolCall
	// EventToolOutput carries the result of a tool invocation.
	EventToolOutput
	// EventMessage carries the final text of the turn.
	EventMessage
)

// RuntimeEvent is one item emitted by the agent runtime during a turn.
type RuntimeEvent struct {
	Kind      EventKind
	AgentName string
	ToolName  string
	// ToolArgs and ToolOutput hold raw JSON as produced by the runtime.
	ToolArgs   string
	ToolOutput string
	Text       string
}

// EnvelopeType is the discriminator of a client envelope.
type EnvelopeType string

const (
	EnvelopeAnswer      EnvelopeType = "answer"
	EnvelopeAgentUpdate EnvelopeType = "agent_update"
	EnvelopeToolCall    EnvelopeType = "tool_call"
	EnvelopeAskUser     EnvelopeType = "ask_user"
	EnvelopeError       EnvelopeType = "error"
)

// Envelope is the JSON object sent to clients for every event.
type Envelope struct {
	Type      EnvelopeType
	Output    string
	AgentName string
	ToolName  string
	Question  string
}

// Terminal reports whether the envelope ends the current turn.
func (e Envelope) Terminal() bool {
	switch e.Type {
	case EnvelopeAnswer, EnvelopeAskUser, EnvelopeError:
		return true
	}
	return false
}

// MarshalJSON emits exactly the fields defined for the envelope type.
func (e Envelope) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EnvelopeAgentUpdate:
		return json.Marshal(struct {
			Type      EnvelopeType `json:"type"`
			Output    string       `json:"output"`
			AgentName string       `json:"agent_name"`
		}{e.Type, e.Output, e.AgentName})
	case EnvelopeToolCall:
		return json.Marshal(struct {
			Type     EnvelopeType `json:"type"`
			Output   string       `json:"output"`
			ToolName string       `json:"tool_name"`
		}{e.Type, e.Output, e.ToolName})
	case EnvelopeAskUser:
		return json.Marshal(struct {
			Type     EnvelopeType `json:"type"`
			Question string       `json:"question"`
		}{e.Type, e.Question})
	default:
		return json.Marshal(struct {
			Type   EnvelopeType `json:"type"`
			Output string       `json:"output"`
		}{e.Type, e.Output})
	}
}

// ErrorEnvelope wraps err in an error envelope.
func ErrorEnvelope(err error) Envelope {
	return Envelope{Type: EnvelopeError, Output: "Error occurred: " + err.Error()}
}

// NoResponseEnvelope is returned when a turn ended without a terminal event.
func NoResponseEnvelope() Envelope {
	return Envelope{Type: EnvelopeError, Output: "No response received"}
}

// Turn is one user message to run through the pipeline.
type Turn struct {
	Email      string
	Input      string
	DeepSearch bool
	Doctor     bool
	// Channel names the surface the turn came from, for logs and metrics.
	Channel string
}

// RunRequest is what the Service hands to a Runtime.
type RunRequest struct {
	UserID    string
	SessionID string
	Input     string
	User      domain.UserContext
}
