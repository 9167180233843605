// Package sse implements the Server-Sent-Events wire format for the chat
// stream: typed frames, JSON payloads, and a per-connection writer with a
// bounded write queue.
package sse

import (
	"encoding/json"

	"github.com/agentchat/relay/internal/utils"
)

// Frame types emitted to the browser.
const (
	EventMessage    = "message"
	EventToolUse    = "tool_use"
	EventToolResult = "tool_result"
	EventMetadata   = "metadata"
	EventGuardrail  = "guardrail"
	EventBlocked    = "blocked"
	EventError      = "error"
	EventDone       = "done"
)

// Frame is the wire-level unit written to the client: one event:/data: pair.
// Data is pre-marshaled JSON so that replaying the same event sequence yields
// a byte-identical stream.
type Frame struct {
	Event string
	Data  json.RawMessage
}

// NewFrame marshals payload and wraps it in a Frame. HTML escaping is off so
// streamed text with angle brackets survives byte-for-byte. Marshaling is the
// only failure mode and payloads are plain structs, so errors indicate a bug.
func NewFrame(event string, payload any) (Frame, error) {
	data, err := utils.MarshalNoEscape(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: data}, nil
}
