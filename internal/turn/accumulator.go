package turn

import (
	"bytes"
	"strings"

	"github.com/agentchat/relay/internal/runtime"
	"github.com/agentchat/relay/internal/sse"
)

// Accumulator folds runtime events into the turn state. Apply returns the
// frames to forward for each event; once the turn reaches a terminal state
// further events are ignored.
type Accumulator struct {
	state      State
	text       strings.Builder
	order      []string
	tools      map[string]*ToolInvocation
	toolUsage  map[string]int
	toolErrors int
	metadata   *runtime.Metadata
	notices    []runtime.GuardrailNotice
	reason     string
}

// NewAccumulator returns an accumulator in the Started state.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		state:     StateStarted,
		tools:     make(map[string]*ToolInvocation),
		toolUsage: make(map[string]int),
	}
}

// State returns the current lifecycle state.
func (a *Accumulator) State() State { return a.state }

// Text returns the assistant text accumulated so far.
func (a *Accumulator) Text() string { return a.text.String() }

// Apply folds one event into the turn and returns the frames to forward.
// A non-nil error is an anomaly for the caller to log; unless the state went
// terminal the turn continues.
func (a *Accumulator) Apply(ev runtime.Event) ([]sse.Frame, error) {
	if a.state.Terminal() {
		return nil, nil
	}

	switch ev.Type {
	case runtime.EventTextDelta:
		a.state = StateStreaming
		a.text.WriteString(ev.Text)
		return frames(newFrame(sse.EventMessage, messagePayload{Text: ev.Text})), nil

	case runtime.EventToolCall:
		a.state = StateStreaming
		inv := &ToolInvocation{
			InvocationID: ev.InvocationID,
			Name:         ev.ToolName,
			Input:        ev.ToolInput,
			Status:       "running",
		}
		a.tools[ev.InvocationID] = inv
		a.order = append(a.order, ev.InvocationID)
		a.toolUsage[ev.ToolName]++
		return frames(newFrame(sse.EventToolUse, toolPayload{
			ToolName:  ev.ToolName,
			ToolUseID: ev.InvocationID,
			Status:    "started",
		})), nil

	case runtime.EventToolResult:
		a.state = StateStreaming
		status := "succeeded"
		if resultIsError(ev.Status, ev.Output) {
			status = "failed"
			a.toolErrors++
		}
		inv, known := a.tools[ev.InvocationID]
		if known {
			inv.Output = ev.Output
			inv.Status = status
		}
		f := newFrame(sse.EventToolResult, toolPayload{
			ToolName:  ev.ToolName,
			ToolUseID: ev.InvocationID,
			Status:    status,
		})
		if !known {
			return frames(f), ErrUnknownInvocation
		}
		return frames(f), nil

	case runtime.EventMetadata:
		if a.metadata != nil {
			// Runtimes re-emit usage with corrected counts; the newest wins.
			a.metadata = ev.Metadata
			return nil, ErrDuplicateMetadata
		}
		a.metadata = ev.Metadata
		return frames(newFrame(sse.EventMetadata, metadataPayload{
			Model:        ev.Metadata.Model,
			InputTokens:  ev.Metadata.InputTokens,
			OutputTokens: ev.Metadata.OutputTokens,
			LatencyMs:    ev.Metadata.LatencyMs,
		})), nil

	case runtime.EventGuardrail:
		a.notices = append(a.notices, *ev.Guardrail)
		return frames(newFrame(sse.EventGuardrail, guardrailPayload{
			Source: ev.Guardrail.Source,
			Action: ev.Guardrail.Action,
		})), nil

	case runtime.EventStreamError:
		return a.fail(ev.Reason), nil

	case runtime.EventStreamDone:
		a.failPendingTools()
		if a.metadata == nil {
			// A turn with no usage metadata cannot be accounted for; treat
			// the stream as truncated rather than completing silently.
			return a.fail("stream ended without usage metadata"), nil
		}
		a.state = StateCompleted
		return frames(newFrame(sse.EventDone, donePayload{Status: string(StateCompleted)})), nil
	}

	return nil, nil
}

// Block terminates the turn with a guardrail block. The single blocked frame
// carries the user-facing message; no usage record follows.
func (a *Accumulator) Block(message string) []sse.Frame {
	if a.state.Terminal() {
		return nil
	}
	a.state = StateBlocked
	a.reason = message
	return frames(newFrame(sse.EventBlocked, blockedPayload{Message: message}))
}

// Fail terminates the turn with a relay-side error (transport failure,
// invocation failure). Distinct from StreamError events, which the runtime
// itself reports.
func (a *Accumulator) Fail(reason string) []sse.Frame {
	if a.state.Terminal() {
		return nil
	}
	return a.fail(reason)
}

func (a *Accumulator) fail(reason string) []sse.Frame {
	a.failPendingTools()
	a.state = StateErrored
	a.reason = reason
	return frames(
		newFrame(sse.EventError, errorPayload{Message: reason}),
		newFrame(sse.EventDone, donePayload{Status: string(StateErrored)}),
	)
}

// failPendingTools marks still-running invocations failed: the stream is over,
// their results will never arrive.
func (a *Accumulator) failPendingTools() {
	for _, id := range a.order {
		if inv := a.tools[id]; inv.Status == "running" {
			inv.Status = "failed"
			a.toolErrors++
		}
	}
}

// Summary returns the final read of the turn. Call after a terminal state.
func (a *Accumulator) Summary() Summary {
	invocations := make([]ToolInvocation, 0, len(a.order))
	for _, id := range a.order {
		invocations = append(invocations, *a.tools[id])
	}
	toolUsage := a.toolUsage
	if len(toolUsage) == 0 {
		toolUsage = nil
	}
	return Summary{
		State:       a.state,
		Text:        a.text.String(),
		Metadata:    a.metadata,
		ToolUsage:   toolUsage,
		ToolErrors:  a.toolErrors,
		Invocations: invocations,
		Notices:     a.notices,
		Reason:      a.reason,
	}
}

// resultIsError decides whether a tool result represents a failure, from the
// explicit status when present, otherwise by sniffing the result content.
func resultIsError(status string, output []byte) bool {
	switch status {
	case "error", "failed":
		return true
	case "completed", "succeeded", "success":
		return false
	}
	lower := bytes.ToLower(output)
	return bytes.Contains(lower, []byte(`"error"`)) ||
		bytes.HasPrefix(bytes.TrimPrefix(lower, []byte(`"`)), []byte("error:")) ||
		bytes.Contains(lower, []byte("exception"))
}

type messagePayload struct {
	Text string `json:"text"`
}

type toolPayload struct {
	ToolName  string `json:"tool_name"`
	ToolUseID string `json:"tool_use_id"`
	Status    string `json:"status"`
}

type metadataPayload struct {
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	LatencyMs    int64  `json:"latency_ms"`
}

type guardrailPayload struct {
	Source string `json:"source"`
	Action string `json:"action"`
}

type blockedPayload struct {
	Message string `json:"message"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type donePayload struct {
	Status string `json:"status"`
}

func frames(fs ...sse.Frame) []sse.Frame { return fs }

// newFrame wraps sse.NewFrame for payloads that cannot fail to marshal.
func newFrame(event string, payload any) sse.Frame {
	f, err := sse.NewFrame(event, payload)
	if err != nil {
		panic(err)
	}
	return f
}
