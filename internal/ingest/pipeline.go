// Package ingest turns the agent runtime's delivered usage logs into runtime
// usage records. Delivery is asynchronous and unordered; the pipeline polls a
// drop directory, parses each NDJSON log, and writes one record per valid
// line. Malformed lines are dropped with a counter, never by crashing the
// batch.
package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/agentchat/relay/internal/monitoring"
	"github.com/agentchat/relay/internal/pricing"
	"github.com/agentchat/relay/internal/usage"
)

// Runtime log lines can carry large assessment blobs.
const maxLineBytes = 1 << 20

// ErrMalformed marks an unparsable or incomplete usage log line.
var ErrMalformed = errors.New("malformed runtime usage line")

// Pipeline ingests runtime usage logs from a drop directory.
type Pipeline struct {
	sink      usage.Sink
	dir       string
	interval  time.Duration
	processed map[string]struct{}
	now       func() time.Time
}

// New builds a pipeline watching dir every interval.
func New(sink usage.Sink, dir string, interval time.Duration) *Pipeline {
	return &Pipeline{
		sink:      sink,
		dir:       dir,
		interval:  interval,
		processed: make(map[string]struct{}),
		now:       time.Now,
	}
}

// Run polls the drop directory until ctx is canceled. Each file is ingested
// once; the turn pipeline never waits on this loop.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.sweep(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Pipeline) sweep(ctx context.Context) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		log.Warn().Err(err).Str("dir", p.dir).Msg("Cannot read usage log directory")
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".ndjson" && ext != ".jsonl" {
			continue
		}
		path := filepath.Join(p.dir, entry.Name())
		if _, done := p.processed[path]; done {
			continue
		}

		ingested, dropped, err := p.ingestFile(ctx, path)
		if err != nil {
			log.Error().Err(err).Str("path", path).Msg("Failed to ingest usage log")
			continue
		}
		p.processed[path] = struct{}{}
		log.Info().
			Str("path", path).
			Int("ingested", ingested).
			Int("dropped", dropped).
			Msg("Ingested runtime usage log")
	}
}

func (p *Pipeline) ingestFile(ctx context.Context, path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("opening usage log: %w", err)
	}
	defer func() { _ = f.Close() }()

	return p.IngestReader(ctx, f)
}

// IngestReader consumes one NDJSON usage log. It returns how many records
// were written and how many lines were dropped as malformed.
func (p *Pipeline) IngestReader(ctx context.Context, r io.Reader) (int, int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	ingested, dropped := 0, 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		rec, err := p.parseLine(line)
		if err != nil {
			dropped++
			monitoring.IngestDropped.Inc()
			log.Warn().Err(err).Msg("Dropping runtime usage line")
			continue
		}

		if err := p.sink.PutRuntimeUsage(ctx, rec); err != nil {
			monitoring.StorageWriteErrors.Inc()
			log.Error().Err(err).Str("session_id", rec.SessionID).Msg("Failed to write runtime usage record")
			continue
		}
		ingested++
		monitoring.IngestRecords.Inc()
	}
	if err := scanner.Err(); err != nil {
		return ingested, dropped, fmt.Errorf("reading usage log: %w", err)
	}
	return ingested, dropped, nil
}

// parseLine maps one log line to a record. Numeric fields arrive as numbers
// or strings depending on the delivery path; gjson's Float handles both.
func (p *Pipeline) parseLine(line []byte) (usage.RuntimeUsageRecord, error) {
	if !gjson.ValidBytes(line) {
		return usage.RuntimeUsageRecord{}, fmt.Errorf("%w: invalid json", ErrMalformed)
	}

	sessionID := gjson.GetBytes(line, "session_id").String()
	if sessionID == "" {
		return usage.RuntimeUsageRecord{}, fmt.Errorf("%w: missing session_id", ErrMalformed)
	}

	elapsed := gjson.GetBytes(line, "time_elapsed_seconds").Float()
	vcpu := gjson.GetBytes(line, "vcpu_hours").Float()
	memory := gjson.GetBytes(line, "memory_gb_hours").Float()
	if elapsed < 0 || vcpu < 0 || memory < 0 {
		return usage.RuntimeUsageRecord{}, fmt.Errorf("%w: negative usage values", ErrMalformed)
	}

	ts := p.now().UTC()
	if raw := gjson.GetBytes(line, "timestamp").String(); raw != "" {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			ts = parsed.UTC()
		}
	}

	return usage.RuntimeUsageRecord{
		SessionID:          sessionID,
		Timestamp:          ts,
		TimeElapsedSeconds: elapsed,
		VCPUHours:          vcpu,
		MemoryGBHours:      memory,
		EstimatedCost:      pricing.RuntimeCost(vcpu, memory),
	}, nil
}
