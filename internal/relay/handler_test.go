package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentchat/relay/internal/config"
	"github.com/agentchat/relay/internal/guardrail"
	"github.com/agentchat/relay/internal/monitoring"
	"github.com/agentchat/relay/internal/runtime"
	"github.com/agentchat/relay/internal/usage"
)

type fakeInvoker struct {
	stream string
	err    error
	calls  int
	got    runtime.InvokeRequest
}

func (f *fakeInvoker) Invoke(_ context.Context, req runtime.InvokeRequest) (io.ReadCloser, error) {
	f.calls++
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(strings.NewReader(f.stream)), nil
}

type scriptedGate struct {
	mu     sync.Mutex
	input  guardrail.Decision
	output guardrail.Decision
	calls  []string
}

func (g *scriptedGate) Evaluate(_ context.Context, source, _ string) (guardrail.Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, source)
	if source == guardrail.SourceOutput {
		return g.output, nil
	}
	return g.input, nil
}

type syncSink struct {
	mu         sync.Mutex
	usage      []usage.Record
	violations []usage.GuardrailViolation
}

func (s *syncSink) PutUsage(_ context.Context, rec usage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, rec)
	return nil
}

func (s *syncSink) PutViolation(_ context.Context, v usage.GuardrailViolation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations = append(s.violations, v)
	return nil
}

func (s *syncSink) PutRuntimeUsage(context.Context, usage.RuntimeUsageRecord) error { return nil }

func (s *syncSink) usageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.usage)
}

func (s *syncSink) violationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.violations)
}

func allowAll() *scriptedGate {
	return &scriptedGate{
		input:  guardrail.Decision{Action: guardrail.ActionAllow},
		output: guardrail.Decision{Action: guardrail.ActionAllow},
	}
}

func newTestHandler(t *testing.T, cfg *config.Config, invoker runtime.Invoker,
	gate guardrail.Gate, sink usage.Sink) *Handler {
	t.Helper()
	tracker, err := monitoring.NewTracker(monitoring.TelemetryConfig{})
	require.NoError(t, err)
	return NewHandler(cfg, invoker, gate, usage.NewRecorder(sink), tracker)
}

func doChat(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

type sseFrame struct {
	event string
	data  string
}

func parseFrames(t *testing.T, body string) []sseFrame {
	t.Helper()
	var frames []sseFrame
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		if block == "" {
			continue
		}
		lines := strings.SplitN(block, "\n", 2)
		require.Len(t, lines, 2, "malformed frame: %q", block)
		frames = append(frames, sseFrame{
			event: strings.TrimPrefix(lines[0], "event: "),
			data:  strings.TrimPrefix(lines[1], "data: "),
		})
	}
	return frames
}

const happyStream = `{"type":"TextStreamEvent","text":"Hello"}` + "\n" +
	`{"type":"TextStreamEvent","text":" there"}` + "\n" +
	`{"usage":{"inputTokens":1200,"outputTokens":350},"metrics":{"latencyMs":900},"model":"claude-haiku"}` + "\n"

func TestChatHappyPath(t *testing.T) {
	invoker := &fakeInvoker{stream: happyStream}
	sink := &syncSink{}
	h := newTestHandler(t, config.Default(), invoker, allowAll(), sink)

	rec := doChat(t, h, `{"user_id":"u1","session_id":"s1","message":"hi"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	frames := parseFrames(t, rec.Body.String())
	require.Len(t, frames, 4)
	assert.Equal(t, "message", frames[0].event)
	assert.JSONEq(t, `{"text":"Hello"}`, frames[0].data)
	assert.Equal(t, "message", frames[1].event)
	assert.Equal(t, "metadata", frames[2].event)
	assert.Equal(t, "done", frames[3].event)
	assert.JSONEq(t, `{"status":"completed"}`, frames[3].data)

	assert.Equal(t, 1, invoker.calls)
	assert.Equal(t, "hi", invoker.got.Prompt)
	assert.Equal(t, "s1", invoker.got.SessionID)

	require.Eventually(t, func() bool { return sink.usageCount() == 1 },
		time.Second, 10*time.Millisecond)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, "claude-haiku", sink.usage[0].Model)
	assert.Equal(t, 1200, sink.usage[0].InputTokens)
	assert.InDelta(t, 0.00295, sink.usage[0].EstimatedCost, 1e-9)
}

func TestChatInputBlockedSkipsRuntime(t *testing.T) {
	invoker := &fakeInvoker{stream: happyStream}
	gate := allowAll()
	gate.input = guardrail.Decision{
		Action:  guardrail.ActionBlock,
		Message: "Sorry, I can't help with that request.",
		Violations: []guardrail.Violation{
			{FilterType: "VIOLENCE", Confidence: "HIGH"},
		},
	}
	sink := &syncSink{}
	h := newTestHandler(t, config.Default(), invoker, gate, sink)

	rec := doChat(t, h, `{"user_id":"u1","message":"bad prompt"}`)

	frames := parseFrames(t, rec.Body.String())
	require.Len(t, frames, 1)
	assert.Equal(t, "blocked", frames[0].event)
	assert.JSONEq(t, `{"message":"Sorry, I can't help with that request."}`, frames[0].data)

	// Blocked prompts never reach the runtime and never produce usage rows.
	assert.Zero(t, invoker.calls)
	require.Eventually(t, func() bool { return sink.violationCount() == 1 },
		time.Second, 10*time.Millisecond)
	assert.Zero(t, sink.usageCount())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, "INPUT", sink.violations[0].Source)
	assert.Equal(t, "VIOLENCE", sink.violations[0].FilterType)
}

func TestChatRequestValidation(t *testing.T) {
	h := newTestHandler(t, config.Default(), &fakeInvoker{}, allowAll(), &syncSink{})

	tests := []struct {
		name string
		body string
	}{
		{name: "empty message", body: `{"user_id":"u1","message":"  "}`},
		{name: "missing user", body: `{"message":"hi"}`},
		{name: "invalid json", body: `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doChat(t, h, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestChatPromptTooLong(t *testing.T) {
	cfg := config.Default()
	cfg.Limits.MaxPromptTokens = 5
	h := newTestHandler(t, cfg, &fakeInvoker{}, allowAll(), &syncSink{})

	long := strings.Repeat("some words to push past the token limit ", 20)
	rec := doChat(t, h, `{"user_id":"u1","message":"`+long+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatMalformedStreamLine(t *testing.T) {
	stream := `{"type":"TextStreamEvent","text":"ok"}` + "\n" +
		"{garbage\n" +
		`{"type":"TextStreamEvent","text":"never"}` + "\n"
	invoker := &fakeInvoker{stream: stream}
	sink := &syncSink{}
	h := newTestHandler(t, config.Default(), invoker, allowAll(), sink)

	rec := doChat(t, h, `{"user_id":"u1","message":"hi"}`)

	frames := parseFrames(t, rec.Body.String())
	require.Len(t, frames, 3)
	assert.Equal(t, "message", frames[0].event)
	assert.Equal(t, "error", frames[1].event)
	assert.Equal(t, "done", frames[2].event)
	assert.JSONEq(t, `{"status":"errored"}`, frames[2].data)

	// Errored turns are never billed.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, sink.usageCount())
}

func TestChatRuntimeUnavailable(t *testing.T) {
	invoker := &fakeInvoker{err: errors.New("connect refused")}
	h := newTestHandler(t, config.Default(), invoker, allowAll(), &syncSink{})

	rec := doChat(t, h, `{"user_id":"u1","message":"hi"}`)

	frames := parseFrames(t, rec.Body.String())
	require.Len(t, frames, 2)
	assert.Equal(t, "error", frames[0].event)
	assert.JSONEq(t, `{"message":"agent runtime unavailable"}`, frames[0].data)
	assert.Equal(t, "done", frames[1].event)
}

func TestChatStreamWithoutMetadataErrors(t *testing.T) {
	stream := `{"type":"TextStreamEvent","text":"partial"}` + "\n"
	invoker := &fakeInvoker{stream: stream}
	sink := &syncSink{}
	h := newTestHandler(t, config.Default(), invoker, allowAll(), sink)

	rec := doChat(t, h, `{"user_id":"u1","message":"hi"}`)

	frames := parseFrames(t, rec.Body.String())
	last := frames[len(frames)-1]
	assert.Equal(t, "done", last.event)
	assert.JSONEq(t, `{"status":"errored"}`, last.data)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, sink.usageCount())
}

func TestChatOutputGateBlocksReply(t *testing.T) {
	cfg := config.Default()
	cfg.Guardrail.Enabled = true
	cfg.Guardrail.ID = "gr-1"
	cfg.Guardrail.CheckOutput = true

	gate := allowAll()
	gate.output = guardrail.Decision{
		Action:  guardrail.ActionBlock,
		Message: "Sorry, I can't help with that request.",
	}
	invoker := &fakeInvoker{stream: happyStream}
	sink := &syncSink{}
	h := newTestHandler(t, cfg, invoker, gate, sink)

	rec := doChat(t, h, `{"user_id":"u1","message":"hi"}`)

	// Nothing streamed before the verdict: the only frame is the block.
	frames := parseFrames(t, rec.Body.String())
	require.Len(t, frames, 1)
	assert.Equal(t, "blocked", frames[0].event)

	require.Eventually(t, func() bool { return sink.violationCount() == 1 },
		time.Second, 10*time.Millisecond)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, "OUTPUT", sink.violations[0].Source)
	assert.Zero(t, len(sink.usage))
}

func TestChatOutputGateReleasesAllowedReply(t *testing.T) {
	cfg := config.Default()
	cfg.Guardrail.Enabled = true
	cfg.Guardrail.ID = "gr-1"
	cfg.Guardrail.CheckOutput = true

	invoker := &fakeInvoker{stream: happyStream}
	sink := &syncSink{}
	gate := allowAll()
	h := newTestHandler(t, cfg, invoker, gate, sink)

	rec := doChat(t, h, `{"user_id":"u1","message":"hi"}`)

	// Buffered frames come out in original order once the gate clears.
	frames := parseFrames(t, rec.Body.String())
	require.Len(t, frames, 4)
	assert.Equal(t, "message", frames[0].event)
	assert.JSONEq(t, `{"text":"Hello"}`, frames[0].data)
	assert.Equal(t, "done", frames[3].event)

	gate.mu.Lock()
	assert.Equal(t, []string{"INPUT", "OUTPUT"}, gate.calls)
	gate.mu.Unlock()

	require.Eventually(t, func() bool { return sink.usageCount() == 1 },
		time.Second, 10*time.Millisecond)
}

// brokenPipeWriter accepts headers but fails every body write, like a client
// that hung up mid-stream. It signals on the first write attempt.
type brokenPipeWriter struct {
	header http.Header
	once   sync.Once
	failed chan struct{}
}

func (w *brokenPipeWriter) Header() http.Header { return w.header }
func (w *brokenPipeWriter) WriteHeader(int)     {}
func (w *brokenPipeWriter) Flush()              {}
func (w *brokenPipeWriter) Write([]byte) (int, error) {
	w.once.Do(func() { close(w.failed) })
	return 0, errors.New("broken pipe")
}

// gatedStream delivers a second chunk only after unlock closes, so the
// handler is guaranteed to attempt a write on an already-failed connection.
type gatedStream struct {
	step   int
	unlock chan struct{}
}

func (s *gatedStream) Read(p []byte) (int, error) {
	s.step++
	switch s.step {
	case 1:
		return copy(p, `{"type":"TextStreamEvent","text":"hello"}`+"\n"), nil
	case 2:
		<-s.unlock
		time.Sleep(50 * time.Millisecond)
		return copy(p, `{"type":"TextStreamEvent","text":"more"}`+"\n"), nil
	default:
		return 0, io.EOF
	}
}

func (s *gatedStream) Close() error { return nil }

type streamInvoker struct {
	rc io.ReadCloser
}

func (s *streamInvoker) Invoke(context.Context, runtime.InvokeRequest) (io.ReadCloser, error) {
	return s.rc, nil
}

func TestChatClientDisconnectErrorsTurn(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "turns.jsonl")
	tracker, err := monitoring.NewTracker(monitoring.TelemetryConfig{Enabled: true, LogPath: logPath})
	require.NoError(t, err)

	w := &brokenPipeWriter{header: http.Header{}, failed: make(chan struct{})}
	sink := &syncSink{}
	h := NewHandler(config.Default(),
		&streamInvoker{rc: &gatedStream{unlock: w.failed}},
		allowAll(), usage.NewRecorder(sink), tracker)

	mux := http.NewServeMux()
	h.Register(mux)
	req := httptest.NewRequest(http.MethodPost, "/api/chat",
		strings.NewReader(`{"user_id":"u1","session_id":"s1","message":"hi"}`))
	mux.ServeHTTP(w, req)

	// A dropped client still leaves the turn in a terminal state, never
	// "streaming".
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	line := string(data)
	assert.Contains(t, line, `"state":"errored"`)
	assert.Contains(t, line, "client disconnected")
	assert.NotContains(t, line, `"state":"streaming"`)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, sink.usageCount())
}

type failingGate struct{}

func (failingGate) Evaluate(context.Context, string, string) (guardrail.Decision, error) {
	return guardrail.Decision{}, errors.New("guardrail api down")
}

func TestChatGateErrorFailOpen(t *testing.T) {
	cfg := config.Default()
	cfg.Guardrail.FailOpen = true
	invoker := &fakeInvoker{stream: happyStream}
	h := newTestHandler(t, cfg, invoker, failingGate{}, &syncSink{})

	rec := doChat(t, h, `{"user_id":"u1","message":"hi"}`)

	// fail_open lets the turn proceed when the gate itself is down.
	frames := parseFrames(t, rec.Body.String())
	require.Len(t, frames, 4)
	assert.Equal(t, "done", frames[3].event)
	assert.Equal(t, 1, invoker.calls)
}

func TestChatGateErrorFailClosed(t *testing.T) {
	invoker := &fakeInvoker{stream: happyStream}
	sink := &syncSink{}
	h := newTestHandler(t, config.Default(), invoker, failingGate{}, sink)

	rec := doChat(t, h, `{"user_id":"u1","message":"hi"}`)

	frames := parseFrames(t, rec.Body.String())
	require.Len(t, frames, 1)
	assert.Equal(t, "blocked", frames[0].event)
	assert.Zero(t, invoker.calls)

	// The persisted row is marked as a gate failure, not a policy hit.
	require.Eventually(t, func() bool { return sink.violationCount() == 1 },
		time.Second, 10*time.Millisecond)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, guardrail.ViolationServiceError, sink.violations[0].FilterType)
}

func TestChatSessionIDAssigned(t *testing.T) {
	invoker := &fakeInvoker{stream: happyStream}
	h := newTestHandler(t, config.Default(), invoker, allowAll(), &syncSink{})

	doChat(t, h, `{"user_id":"u1","message":"hi"}`)
	assert.NotEmpty(t, invoker.got.SessionID)
}

func TestChatModelOverrideForwarded(t *testing.T) {
	invoker := &fakeInvoker{stream: happyStream}
	h := newTestHandler(t, config.Default(), invoker, allowAll(), &syncSink{})

	doChat(t, h, `{"user_id":"u1","message":"hi","model":"us.amazon.nova-pro-v1:0"}`)
	assert.Equal(t, "us.amazon.nova-pro-v1:0", invoker.got.Model)
}
