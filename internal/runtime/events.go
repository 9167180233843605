// Package runtime talks to the agent runtime: it opens the streaming
// invocation and decodes the runtime's multiplexed NDJSON response into a
// closed set of typed events.
package runtime

import "encoding/json"

// EventType tags the members of the runtime event union.
type EventType string

const (
	EventTextDelta   EventType = "text_delta"
	EventToolCall    EventType = "tool_call"
	EventToolResult  EventType = "tool_result"
	EventMetadata    EventType = "metadata"
	EventGuardrail   EventType = "guardrail"
	EventStreamError EventType = "stream_error"
	EventStreamDone  EventType = "stream_done"
)

// Metadata carries completion accounting from the runtime.
type Metadata struct {
	Model        string
	InputTokens  int
	OutputTokens int
	LatencyMs    int64
}

// GuardrailNotice is a shadow-mode guardrail evaluation reported inside the
// stream by the runtime itself (as opposed to a gate decision made by the
// relay). Notify-only: it never changes the turn state.
type GuardrailNotice struct {
	Source      string          // INPUT or OUTPUT
	Action      string          // GUARDRAIL_INTERVENED or NONE
	Assessments json.RawMessage // raw policy assessments, persisted as-is
}

// Event is one decoded runtime event. Exactly one group of fields is
// populated, selected by Type. Events are produced in arrival order, consumed
// exactly once, and never mutated.
type Event struct {
	Type EventType

	// text_delta
	Text string

	// tool_call / tool_result
	ToolName     string
	InvocationID string
	ToolInput    json.RawMessage
	Output       json.RawMessage
	Status       string

	// metadata
	Metadata *Metadata

	// guardrail
	Guardrail *GuardrailNotice

	// stream_error
	Reason string
}
