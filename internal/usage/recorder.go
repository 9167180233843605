package usage

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentchat/relay/internal/monitoring"
	"github.com/agentchat/relay/internal/pricing"
)

// TurnUsage is what a finished turn hands the recorder.
type TurnUsage struct {
	UserID       string
	SessionID    string
	Model        string
	InputTokens  int
	OutputTokens int
	LatencyMs    int64
	ToolUsage    map[string]int
}

// Recorder prices finished turns and writes the accounting rows. All writes
// are fire-and-forget: failures are logged and counted, never surfaced to the
// stream that produced them.
type Recorder struct {
	sink    Sink
	timeout time.Duration
	now     func() time.Time
}

// NewRecorder builds a recorder over sink.
func NewRecorder(sink Sink) *Recorder {
	return &Recorder{
		sink:    sink,
		timeout: 10 * time.Second,
		now:     time.Now,
	}
}

// RecordTurn prices and persists one completed turn. The priced record is
// returned for logging; persistence errors are swallowed after counting.
func (r *Recorder) RecordTurn(tu TurnUsage) Record {
	rec := Record{
		UserID:       tu.UserID,
		SessionID:    tu.SessionID,
		Timestamp:    r.now().UTC(),
		Model:        tu.Model,
		InputTokens:  tu.InputTokens,
		OutputTokens: tu.OutputTokens,
		TotalTokens:  tu.InputTokens + tu.OutputTokens,
		LatencyMs:    tu.LatencyMs,
		ToolUsage:    tu.ToolUsage,
	}

	if p, ok := pricing.Lookup(tu.Model); ok {
		rec.EstimatedCost = pricing.Cost(tu.InputTokens, tu.OutputTokens, p)
	} else {
		// Unknown model: keep the row (token counts still matter) but never
		// invent a price.
		rec.UnknownModel = true
		log.Warn().
			Str("model", tu.Model).
			Str("session_id", tu.SessionID).
			Msg("No pricing for model, recording usage with cost 0")
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.sink.PutUsage(ctx, rec); err != nil {
		monitoring.StorageWriteErrors.Inc()
		log.Error().Err(err).Str("session_id", tu.SessionID).Msg("Failed to write usage record")
	}
	return rec
}

// RecordViolation persists one guardrail violation row.
func (r *Recorder) RecordViolation(v GuardrailViolation) {
	if v.Timestamp.IsZero() {
		v.Timestamp = r.now().UTC()
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.sink.PutViolation(ctx, v); err != nil {
		monitoring.StorageWriteErrors.Inc()
		log.Error().Err(err).Str("session_id", v.SessionID).Msg("Failed to write guardrail violation")
	}
}
