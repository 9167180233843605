// Package relay serves the chat streaming endpoint: it gates the prompt,
// invokes the agent runtime, folds the runtime stream into client frames, and
// hands finished turns to the usage recorder.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agentchat/relay/internal/config"
	"github.com/agentchat/relay/internal/guardrail"
	"github.com/agentchat/relay/internal/monitoring"
	"github.com/agentchat/relay/internal/runtime"
	"github.com/agentchat/relay/internal/sse"
	"github.com/agentchat/relay/internal/turn"
	"github.com/agentchat/relay/internal/usage"
)

// Handler serves the chat API.
type Handler struct {
	cfg      *config.Config
	invoker  runtime.Invoker
	gate     guardrail.Gate
	recorder *usage.Recorder
	tracker  *monitoring.Tracker
	tokens   *promptCounter
}

// NewHandler wires the chat endpoint.
func NewHandler(cfg *config.Config, invoker runtime.Invoker, gate guardrail.Gate,
	recorder *usage.Recorder, tracker *monitoring.Tracker) *Handler {
	return &Handler{
		cfg:      cfg,
		invoker:  invoker,
		gate:     gate,
		recorder: recorder,
		tracker:  tracker,
		tokens:   newPromptCounter(),
	}
}

// Register mounts the handler's routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/chat", h.handleChat)
	mux.HandleFunc("GET /healthz", h.handleHealth)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	r.Body = http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.normalize(); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if n := h.tokens.count(req.Message); n > h.cfg.Limits.MaxPromptTokens {
		writeJSONError(w, http.StatusBadRequest,
			fmt.Sprintf("message too long: %d tokens (limit %d)", n, h.cfg.Limits.MaxPromptTokens))
		return
	}

	logger := log.With().
		Str("session_id", req.SessionID).
		Str("user_id", req.UserID).
		Logger()

	writer, err := sse.NewWriter(w, h.cfg.Limits.WriteQueueSize)
	if err != nil {
		logger.Error().Err(err).Msg("Streaming unsupported by connection")
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sse.SetHeaders(w)

	monitoring.ActiveStreams.Inc()
	defer monitoring.ActiveStreams.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	acc := turn.NewAccumulator()
	sink := &frameSink{w: writer, cancel: cancel, logger: logger}
	defer func() { _ = writer.Close() }()

	// Input gate runs before the runtime sees the prompt. A blocked prompt
	// produces exactly one frame and no runtime invocation.
	if d := h.evaluate(ctx, guardrail.SourceInput, req.Message); !d.Allowed() {
		logger.Info().Msg("Prompt blocked by guardrail")
		h.recordBlock(req, guardrail.SourceInput, d)
		sink.send(acc.Block(d.Message))
		h.finishTurn(logger, req, acc.Summary())
		return
	}

	stream, err := h.invoker.Invoke(ctx, runtime.InvokeRequest{
		SessionID:        req.SessionID,
		UserID:           req.UserID,
		Prompt:           req.Message,
		Model:            req.Model,
		GuardrailID:      h.cfg.Guardrail.ID,
		GuardrailVersion: h.cfg.Guardrail.Version,
		GuardrailEnabled: h.cfg.Guardrail.Enabled,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Runtime invocation failed")
		sink.send(acc.Fail("agent runtime unavailable"))
		h.finishTurn(logger, req, acc.Summary())
		return
	}
	defer func() { _ = stream.Close() }()

	// With output checking on, nothing reaches the client until the finished
	// reply passes the gate; frames are buffered and released in order.
	sink.buffering = h.cfg.Guardrail.Enabled && h.cfg.Guardrail.CheckOutput

	dec := runtime.NewDecoder()
	buf := make([]byte, 32*1024)
	for !acc.State().Terminal() && !sink.failed {
		n, readErr := stream.Read(buf)
		if n > 0 {
			h.applyEvents(ctx, logger, req, acc, sink, dec.Feed(buf[:n]))
		}
		if readErr == io.EOF {
			h.applyEvents(ctx, logger, req, acc, sink, dec.Finish())
			break
		}
		if readErr != nil {
			logger.Error().Err(readErr).Msg("Runtime stream interrupted")
			sink.terminate(acc.Fail("runtime stream interrupted"))
			break
		}
	}

	// A dead or too-slow client ends the loop without a terminal event; the
	// turn still has to land in exactly one terminal state.
	if !acc.State().Terminal() {
		_ = acc.Fail("client disconnected")
	}

	if skipped := dec.Skipped(); skipped > 0 {
		monitoring.DecoderSkipped.Add(float64(skipped))
		logger.Debug().Int("skipped", skipped).Msg("Unrecognized runtime frames skipped")
	}
	h.finishTurn(logger, req, acc.Summary())
}

// applyEvents folds decoded events into the turn and forwards the resulting
// frames. When output checking is active the finished reply is gated before
// the buffered frames are released.
func (h *Handler) applyEvents(ctx context.Context, logger zerolog.Logger, req ChatRequest,
	acc *turn.Accumulator, sink *frameSink, events []runtime.Event) {
	for _, ev := range events {
		if ev.Type == runtime.EventStreamDone && sink.buffering {
			if d := h.evaluate(ctx, guardrail.SourceOutput, acc.Text()); !d.Allowed() {
				logger.Info().Msg("Reply blocked by guardrail")
				h.recordBlock(req, guardrail.SourceOutput, d)
				sink.terminate(acc.Block(d.Message))
				return
			}
		}

		frames, err := acc.Apply(ev)
		if err != nil {
			logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("Turn anomaly")
		}

		if ev.Type == runtime.EventStreamError {
			// Buffered content is unverified; only the error surfaces.
			sink.terminate(frames)
			continue
		}
		sink.send(frames)
		if ev.Type == runtime.EventStreamDone {
			sink.release()
		}
	}
}

// evaluate never lets a gate error escape: the configured failure policy
// decides, via the same fallback PolicyGate applies.
func (h *Handler) evaluate(ctx context.Context, source, text string) guardrail.Decision {
	d, err := h.gate.Evaluate(ctx, source, text)
	if err != nil {
		log.Error().Err(err).Str("source", source).Msg("Guardrail evaluation error")
		return guardrail.FallbackDecision(h.cfg.Guardrail.FailOpen)
	}
	return d
}

func (h *Handler) recordBlock(req ChatRequest, source string, d guardrail.Decision) {
	monitoring.GuardrailBlocks.WithLabelValues(source).Inc()

	violations := d.Violations
	if len(violations) == 0 {
		violations = []guardrail.Violation{{}}
	}
	for _, v := range violations {
		go h.recorder.RecordViolation(usage.GuardrailViolation{
			UserID:     req.UserID,
			SessionID:  req.SessionID,
			Source:     source,
			Action:     "BLOCKED",
			FilterType: v.FilterType,
			Confidence: v.Confidence,
		})
	}
}

// finishTurn emits metrics and telemetry for the finished turn and, for
// completed turns only, hands usage to the recorder off the request path.
func (h *Handler) finishTurn(logger zerolog.Logger, req ChatRequest, s turn.Summary) {
	monitoring.TurnsTotal.WithLabelValues(string(s.State)).Inc()

	for _, n := range s.Notices {
		if n.Action != "GUARDRAIL_INTERVENED" {
			continue
		}
		go h.recorder.RecordViolation(usage.GuardrailViolation{
			UserID:    req.UserID,
			SessionID: req.SessionID,
			Source:    n.Source,
			Action:    n.Action,
		})
	}

	event := &monitoring.TurnEvent{
		Timestamp:  time.Now().UTC(),
		SessionID:  req.SessionID,
		UserID:     req.UserID,
		State:      string(s.State),
		ToolUsage:  s.ToolUsage,
		ToolErrors: s.ToolErrors,
		Reason:     s.Reason,
	}
	if s.Metadata != nil {
		event.Model = s.Metadata.Model
		event.InputTokens = s.Metadata.InputTokens
		event.OutputTokens = s.Metadata.OutputTokens
		event.LatencyMs = s.Metadata.LatencyMs
	}
	h.tracker.RecordTurn(event)

	if s.State != turn.StateCompleted {
		logger.Info().Str("state", string(s.State)).Str("reason", s.Reason).Msg("Turn finished")
		return
	}

	model := s.Metadata.Model
	if model == "" {
		model = req.Model
	}
	go h.recorder.RecordTurn(usage.TurnUsage{
		UserID:       req.UserID,
		SessionID:    req.SessionID,
		Model:        model,
		InputTokens:  s.Metadata.InputTokens,
		OutputTokens: s.Metadata.OutputTokens,
		LatencyMs:    s.Metadata.LatencyMs,
		ToolUsage:    s.ToolUsage,
	})
	logger.Info().
		Int("input_tokens", s.Metadata.InputTokens).
		Int("output_tokens", s.Metadata.OutputTokens).
		Msg("Turn completed")
}

// frameSink routes frames to the client, optionally buffering them until the
// output gate clears the reply. A failed write cancels the upstream context.
type frameSink struct {
	w         *sse.Writer
	cancel    context.CancelFunc
	logger    zerolog.Logger
	buffering bool
	pending   []sse.Frame
	failed    bool
}

func (s *frameSink) send(frames []sse.Frame) {
	if s.failed {
		return
	}
	if s.buffering {
		s.pending = append(s.pending, frames...)
		return
	}
	for _, f := range frames {
		if err := s.w.Write(f); err != nil {
			s.logger.Warn().Err(err).Msg("Client write failed, canceling turn")
			s.failed = true
			s.cancel()
			return
		}
		monitoring.FramesTotal.WithLabelValues(f.Event).Inc()
	}
}

// release stops buffering and flushes pending frames in order.
func (s *frameSink) release() {
	s.buffering = false
	pending := s.pending
	s.pending = nil
	s.send(pending)
}

// terminate discards any buffered frames and writes only the given ones.
func (s *frameSink) terminate(frames []sse.Frame) {
	s.buffering = false
	s.pending = nil
	s.send(frames)
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
