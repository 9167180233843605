// Package turn folds the per-turn runtime event stream into client frames and
// a final accounting summary. The accumulator is a pure state machine: it does
// no I/O, so a replayed event sequence always produces identical frames.
package turn

import (
	"encoding/json"
	"errors"

	"github.com/agentchat/relay/internal/runtime"
)

// State is the lifecycle position of a turn.
type State string

const (
	StateStarted   State = "started"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateBlocked   State = "blocked"
	StateErrored   State = "errored"
)

// Terminal reports whether no further events can change the turn.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateBlocked || s == StateErrored
}

// ToolInvocation tracks one tool call through its lifecycle.
type ToolInvocation struct {
	InvocationID string
	Name         string
	Input        json.RawMessage
	Output       json.RawMessage
	Status       string // running, succeeded, failed
}

// Anomalies reported by Apply. Non-fatal: the turn continues, the caller is
// expected to log them.
var (
	// ErrUnknownInvocation is returned for a tool result whose invocation id
	// was never announced by a tool call.
	ErrUnknownInvocation = errors.New("tool result for unknown invocation")

	// ErrDuplicateMetadata is returned when another metadata event arrives;
	// the newest value replaces the previous one.
	ErrDuplicateMetadata = errors.New("duplicate usage metadata")
)

// Summary is the final read of a finished turn, consumed by the recorder.
type Summary struct {
	State       State
	Text        string
	Metadata    *runtime.Metadata
	ToolUsage   map[string]int
	ToolErrors  int
	Invocations []ToolInvocation
	Notices     []runtime.GuardrailNotice
	Reason      string
}
