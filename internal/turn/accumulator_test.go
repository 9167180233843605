package turn

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentchat/relay/internal/runtime"
	"github.com/agentchat/relay/internal/sse"
)

func textEvent(text string) runtime.Event {
	return runtime.Event{Type: runtime.EventTextDelta, Text: text}
}

func metadataEvent() runtime.Event {
	return runtime.Event{Type: runtime.EventMetadata, Metadata: &runtime.Metadata{
		Model:        "claude-haiku",
		InputTokens:  100,
		OutputTokens: 25,
		LatencyMs:    800,
	}}
}

func doneEvent() runtime.Event {
	return runtime.Event{Type: runtime.EventStreamDone}
}

func TestCompletedTurn(t *testing.T) {
	acc := NewAccumulator()
	assert.Equal(t, StateStarted, acc.State())

	frames, err := acc.Apply(textEvent("Hello"))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, sse.EventMessage, frames[0].Event)
	assert.JSONEq(t, `{"text":"Hello"}`, string(frames[0].Data))
	assert.Equal(t, StateStreaming, acc.State())

	frames, err = acc.Apply(metadataEvent())
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, sse.EventMetadata, frames[0].Event)

	frames, err = acc.Apply(doneEvent())
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, sse.EventDone, frames[0].Event)
	assert.Equal(t, StateCompleted, acc.State())

	s := acc.Summary()
	assert.Equal(t, "Hello", s.Text)
	require.NotNil(t, s.Metadata)
	assert.Equal(t, 100, s.Metadata.InputTokens)
}

func TestReplayProducesIdenticalFrames(t *testing.T) {
	events := []runtime.Event{
		textEvent("a"),
		{Type: runtime.EventToolCall, ToolName: "search", InvocationID: "t1", ToolInput: json.RawMessage(`{"q":"x"}`)},
		{Type: runtime.EventToolResult, ToolName: "search", InvocationID: "t1", Status: "completed"},
		textEvent("b"),
		metadataEvent(),
		doneEvent(),
	}

	run := func() []sse.Frame {
		acc := NewAccumulator()
		var all []sse.Frame
		for _, ev := range events {
			frames, err := acc.Apply(ev)
			require.NoError(t, err)
			all = append(all, frames...)
		}
		return all
	}

	first, second := run(), run()
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Event, second[i].Event)
		assert.Equal(t, string(first[i].Data), string(second[i].Data))
	}
}

func TestToolLifecycle(t *testing.T) {
	acc := NewAccumulator()

	_, err := acc.Apply(runtime.Event{Type: runtime.EventToolCall, ToolName: "search", InvocationID: "t1"})
	require.NoError(t, err)
	_, err = acc.Apply(runtime.Event{Type: runtime.EventToolCall, ToolName: "search", InvocationID: "t2"})
	require.NoError(t, err)

	frames, err := acc.Apply(runtime.Event{
		Type: runtime.EventToolResult, ToolName: "search", InvocationID: "t1",
		Output: json.RawMessage(`"Error: upstream timeout"`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"tool_name":"search","tool_use_id":"t1","status":"failed"}`, string(frames[0].Data))

	_, err = acc.Apply(runtime.Event{
		Type: runtime.EventToolResult, ToolName: "search", InvocationID: "t2", Status: "completed",
	})
	require.NoError(t, err)

	_, err = acc.Apply(metadataEvent())
	require.NoError(t, err)
	_, err = acc.Apply(doneEvent())
	require.NoError(t, err)

	s := acc.Summary()
	assert.Equal(t, map[string]int{"search": 2}, s.ToolUsage)
	assert.Equal(t, 1, s.ToolErrors)
	require.Len(t, s.Invocations, 2)
	assert.Equal(t, "failed", s.Invocations[0].Status)
	assert.Equal(t, "succeeded", s.Invocations[1].Status)
}

func TestUnknownInvocationResult(t *testing.T) {
	acc := NewAccumulator()
	frames, err := acc.Apply(runtime.Event{
		Type: runtime.EventToolResult, ToolName: "search", InvocationID: "ghost", Status: "completed",
	})
	assert.ErrorIs(t, err, ErrUnknownInvocation)
	// The frame is still forwarded; the anomaly is for logs only.
	require.Len(t, frames, 1)
	assert.False(t, acc.State().Terminal())
}

func TestDuplicateMetadataLastWins(t *testing.T) {
	acc := NewAccumulator()
	_, err := acc.Apply(metadataEvent())
	require.NoError(t, err)

	frames, err := acc.Apply(runtime.Event{Type: runtime.EventMetadata, Metadata: &runtime.Metadata{
		InputTokens:  999,
		OutputTokens: 777,
	}})
	assert.ErrorIs(t, err, ErrDuplicateMetadata)
	assert.Empty(t, frames)

	_, err = acc.Apply(doneEvent())
	require.NoError(t, err)

	// Re-emitted usage replaces the earlier counts; accounting must see the
	// corrected numbers.
	md := acc.Summary().Metadata
	assert.Equal(t, 999, md.InputTokens)
	assert.Equal(t, 777, md.OutputTokens)
}

func TestDoneWithoutMetadataErrors(t *testing.T) {
	acc := NewAccumulator()
	_, err := acc.Apply(textEvent("partial"))
	require.NoError(t, err)

	frames, err := acc.Apply(doneEvent())
	require.NoError(t, err)
	assert.Equal(t, StateErrored, acc.State())
	require.Len(t, frames, 2)
	assert.Equal(t, sse.EventError, frames[0].Event)
	assert.Equal(t, sse.EventDone, frames[1].Event)
}

func TestStreamErrorTerminates(t *testing.T) {
	acc := NewAccumulator()
	frames, err := acc.Apply(runtime.Event{Type: runtime.EventStreamError, Reason: "malformed runtime frame"})
	require.NoError(t, err)
	assert.Equal(t, StateErrored, acc.State())
	require.Len(t, frames, 2)
	assert.JSONEq(t, `{"message":"malformed runtime frame"}`, string(frames[0].Data))

	// Terminal: further events are ignored.
	frames, err = acc.Apply(textEvent("late"))
	require.NoError(t, err)
	assert.Empty(t, frames)
}

func TestBlock(t *testing.T) {
	acc := NewAccumulator()
	frames := acc.Block("Sorry, I can't help with that request.")
	require.Len(t, frames, 1)
	assert.Equal(t, sse.EventBlocked, frames[0].Event)
	assert.Equal(t, StateBlocked, acc.State())

	assert.Empty(t, acc.Block("again"))
}

func TestPendingToolsFailOnDone(t *testing.T) {
	acc := NewAccumulator()
	_, err := acc.Apply(runtime.Event{Type: runtime.EventToolCall, ToolName: "fetch", InvocationID: "t1"})
	require.NoError(t, err)
	_, err = acc.Apply(metadataEvent())
	require.NoError(t, err)
	_, err = acc.Apply(doneEvent())
	require.NoError(t, err)

	s := acc.Summary()
	assert.Equal(t, StateCompleted, s.State)
	assert.Equal(t, 1, s.ToolErrors)
	assert.Equal(t, "failed", s.Invocations[0].Status)
}

func TestGuardrailNoticeIsNotifyOnly(t *testing.T) {
	acc := NewAccumulator()
	frames, err := acc.Apply(runtime.Event{Type: runtime.EventGuardrail, Guardrail: &runtime.GuardrailNotice{
		Source: "INPUT",
		Action: "GUARDRAIL_INTERVENED",
	}})
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, sse.EventGuardrail, frames[0].Event)
	assert.False(t, acc.State().Terminal())

	_, err = acc.Apply(metadataEvent())
	require.NoError(t, err)
	_, err = acc.Apply(doneEvent())
	require.NoError(t, err)
	assert.Len(t, acc.Summary().Notices, 1)
}
