// Package monitoring - metrics.go exposes operational counters via Prometheus.
//
// DESIGN: Counters are registered on the default registry and served at
// /metrics. Nothing in the hot path blocks on them.
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TurnsTotal counts finished turns by terminal state
	// (completed, blocked, errored).
	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_turns_total",
		Help: "Finished chat turns by terminal state.",
	}, []string{"state"})

	// FramesTotal counts frames written to clients by event type.
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_frames_total",
		Help: "SSE frames written to clients by event type.",
	}, []string{"event"})

	// ActiveStreams tracks currently open chat streams.
	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_streams",
		Help: "Currently open chat streams.",
	})

	// GuardrailBlocks counts gate blocks by source (INPUT, OUTPUT).
	GuardrailBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_guardrail_blocks_total",
		Help: "Turns blocked by the guardrail gate, by source.",
	}, []string{"source"})

	// StorageWriteErrors counts failed persistence writes. Writes are
	// fire-and-forget, so this counter is the only sign of a broken store.
	StorageWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_storage_write_errors_total",
		Help: "Failed writes to the usage store.",
	})

	// IngestRecords counts runtime usage log lines successfully ingested.
	IngestRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_ingest_records_total",
		Help: "Runtime usage records ingested.",
	})

	// IngestDropped counts malformed runtime usage log lines dropped.
	IngestDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_ingest_dropped_total",
		Help: "Malformed runtime usage log lines dropped.",
	})

	// DecoderSkipped counts well-formed but unrecognized runtime frames.
	DecoderSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_decoder_skipped_frames_total",
		Help: "Well-formed runtime frames with no recognized shape.",
	})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
