package runtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Decoder turns raw chunks from the runtime's streaming transport into
// Events. The runtime emits newline-delimited JSON (sometimes wrapped in an
// "data: " SSE prefix); chunk boundaries do not align with line boundaries,
// so incomplete lines are buffered until the rest arrives.
//
// Ordering is preserved and nothing is silently dropped: a line that is not
// valid JSON produces a StreamError event and the decoder stops for the rest
// of the turn; recognized-but-irrelevant frames (e.g. the duplicate final
// message) are counted in Skipped.
type Decoder struct {
	buf      []byte
	filter   thinkingFilter
	seq      int
	skipped  int
	failed   bool
	finished bool
}

// NewDecoder returns a decoder for one turn. Decoders are single-use.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes one transport chunk and returns zero or more decoded events
// in arrival order.
func (d *Decoder) Feed(chunk []byte) []Event {
	if d.failed || d.finished {
		return nil
	}
	d.buf = append(d.buf, chunk...)

	var events []Event
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := d.buf[:idx]
		d.buf = d.buf[idx+1:]

		if ev, ok := d.decodeLine(line); ok {
			events = append(events, ev)
		}
		if d.failed {
			break
		}
	}
	return events
}

// Finish flushes any trailing partial line and terminates the event stream
// with StreamDone. Called once when the transport reaches EOF.
func (d *Decoder) Finish() []Event {
	if d.failed || d.finished {
		return nil
	}
	d.finished = true

	var events []Event
	if len(bytes.TrimSpace(d.buf)) > 0 {
		if ev, ok := d.decodeLine(d.buf); ok {
			events = append(events, ev)
		}
		if d.failed {
			return events
		}
	}
	return append(events, Event{Type: EventStreamDone})
}

// Skipped reports how many well-formed but unrecognized units were ignored.
func (d *Decoder) Skipped() int { return d.skipped }

func (d *Decoder) decodeLine(line []byte) (Event, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Event{}, false
	}
	if bytes.HasPrefix(line, []byte("data:")) {
		line = bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
	}
	if len(line) == 0 || bytes.Equal(line, []byte("[DONE]")) {
		return Event{}, false
	}

	if !gjson.ValidBytes(line) {
		d.failed = true
		return Event{Type: EventStreamError, Reason: "malformed runtime frame"}, true
	}

	// contentBlockDelta text (Bedrock converse-stream shape)
	if text := gjson.GetBytes(line, "event.contentBlockDelta.delta.text"); text.Exists() {
		return d.textDelta(text.String())
	}

	switch gjson.GetBytes(line, "type").String() {
	case "TextStreamEvent":
		return d.textDelta(gjson.GetBytes(line, "text").String())

	case "tool_use":
		return Event{
			Type:         EventToolCall,
			ToolName:     firstString(line, "tool_name", "name"),
			ToolInput:    firstRaw(line, "tool_input", "input"),
			InvocationID: d.invocationID(line),
			Status:       stringOr(line, "status", "started"),
		}, true

	case "tool_result":
		return Event{
			Type:         EventToolResult,
			ToolName:     firstString(line, "tool_name", "name"),
			Output:       firstRaw(line, "tool_result", "result"),
			InvocationID: d.invocationID(line),
			Status:       stringOr(line, "status", "completed"),
		}, true

	case "guardrail":
		return Event{
			Type: EventGuardrail,
			Guardrail: &GuardrailNotice{
				Source:      stringOr(line, "source", "INPUT"),
				Action:      stringOr(line, "action", "NONE"),
				Assessments: firstRaw(line, "assessments"),
			},
		}, true

	case "error":
		// Runtime-signaled failure terminates decoding for the turn.
		d.failed = true
		reason := stringOr(line, "message", "runtime stream error")
		return Event{Type: EventStreamError, Reason: reason}, true
	}

	// Nested content blocks (Bedrock message shape)
	if blocks := gjson.GetBytes(line, "content"); blocks.IsArray() {
		var out Event
		found := false
		blocks.ForEach(func(_, block gjson.Result) bool {
			if tu := block.Get("toolUse"); tu.Exists() {
				out = Event{
					Type:         EventToolCall,
					ToolName:     tu.Get("name").String(),
					ToolInput:    rawOf(tu.Get("input")),
					InvocationID: d.invocationIDFrom(tu.Get("toolUseId").String()),
					Status:       "started",
				}
				found = true
				return false
			}
			if tr := block.Get("toolResult"); tr.Exists() {
				status := tr.Get("status").String()
				if status == "" {
					status = "completed"
				}
				out = Event{
					Type:         EventToolResult,
					ToolName:     tr.Get("name").String(),
					Output:       rawOf(tr.Get("content")),
					InvocationID: d.invocationIDFrom(tr.Get("toolUseId").String()),
					Status:       status,
				}
				found = true
				return false
			}
			return true
		})
		if found {
			return out, true
		}
	}

	// Final assembled message: already streamed as deltas, skip to avoid
	// duplication.
	if gjson.GetBytes(line, "message.content").Exists() {
		d.skipped++
		return Event{}, false
	}

	// Usage metadata, either at the top level or nested under event.metadata.
	if md, ok := decodeMetadata(line); ok {
		return Event{Type: EventMetadata, Metadata: md}, true
	}

	d.skipped++
	return Event{}, false
}

func (d *Decoder) textDelta(text string) (Event, bool) {
	visible := d.filter.filter(text)
	if visible == "" {
		return Event{}, false
	}
	return Event{Type: EventTextDelta, Text: visible}, true
}

func (d *Decoder) invocationID(line []byte) string {
	return d.invocationIDFrom(firstString(line, "tool_use_id", "id"))
}

// invocationIDFrom falls back to a per-turn sequence number so replaying the
// same byte stream always yields identical events.
func (d *Decoder) invocationIDFrom(id string) string {
	if id != "" {
		return id
	}
	d.seq++
	return fmt.Sprintf("tool-%d", d.seq)
}

func decodeMetadata(line []byte) (*Metadata, bool) {
	usage := gjson.GetBytes(line, "usage")
	metrics := gjson.GetBytes(line, "metrics")
	if !usage.Exists() && !metrics.Exists() {
		usage = gjson.GetBytes(line, "event.metadata.usage")
		metrics = gjson.GetBytes(line, "event.metadata.metrics")
		if !usage.Exists() && !metrics.Exists() {
			return nil, false
		}
	}
	return &Metadata{
		Model:        gjson.GetBytes(line, "model").String(),
		InputTokens:  int(usage.Get("inputTokens").Int()),
		OutputTokens: int(usage.Get("outputTokens").Int()),
		LatencyMs:    metrics.Get("latencyMs").Int(),
	}, true
}

func firstString(line []byte, keys ...string) string {
	for _, k := range keys {
		if r := gjson.GetBytes(line, k); r.Exists() {
			return r.String()
		}
	}
	return ""
}

func stringOr(line []byte, key, fallback string) string {
	if r := gjson.GetBytes(line, key); r.Exists() && r.String() != "" {
		return r.String()
	}
	return fallback
}

func firstRaw(line []byte, keys ...string) json.RawMessage {
	for _, k := range keys {
		if r := gjson.GetBytes(line, k); r.Exists() {
			return rawOf(r)
		}
	}
	return nil
}

func rawOf(r gjson.Result) json.RawMessage {
	if !r.Exists() {
		return nil
	}
	return json.RawMessage(r.Raw)
}

var (
	thinkingBlockRe = regexp.MustCompile(`(?s)<thinking>.*?</thinking>`)
	thinkingOpenRe  = regexp.MustCompile(`(?s)<thinking>.*$`)
	partialTagRe    = regexp.MustCompile(`<[^>]*$`)
)

// thinkingFilter removes <thinking> blocks from streamed text, holding back
// partial tags that span chunk boundaries. It tracks the full filtered
// transcript and releases only the not-yet-sent suffix.
type thinkingFilter struct {
	full string
	sent int
}

func (f *thinkingFilter) filter(text string) string {
	f.full += text

	filtered := thinkingBlockRe.ReplaceAllString(f.full, "")
	filtered = thinkingOpenRe.ReplaceAllString(filtered, "")

	// Hold back a trailing "<", "<thi", ... that may grow into an opening tag.
	if partial := partialTagRe.FindString(filtered); partial != "" && strings.HasPrefix("<thinking>", partial) {
		filtered = filtered[:len(filtered)-len(partial)]
	}

	if len(filtered) > f.sent {
		out := filtered[f.sent:]
		f.sent = len(filtered)
		return out
	}
	return ""
}
