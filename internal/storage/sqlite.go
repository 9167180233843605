package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentchat/relay/internal/usage"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS usage_records (
	user_id        TEXT NOT NULL,
	session_id     TEXT NOT NULL,
	timestamp      TEXT NOT NULL,
	model          TEXT NOT NULL,
	input_tokens   INTEGER NOT NULL,
	output_tokens  INTEGER NOT NULL,
	total_tokens   INTEGER NOT NULL,
	estimated_cost REAL NOT NULL,
	unknown_model  INTEGER NOT NULL DEFAULT 0,
	latency_ms     INTEGER NOT NULL,
	tool_usage     TEXT
);
CREATE TABLE IF NOT EXISTS guardrail_violations (
	user_id     TEXT NOT NULL,
	session_id  TEXT NOT NULL,
	timestamp   TEXT NOT NULL,
	source      TEXT NOT NULL,
	action      TEXT NOT NULL,
	filter_type TEXT,
	confidence  TEXT
);
CREATE TABLE IF NOT EXISTS runtime_usage (
	session_id           TEXT NOT NULL,
	timestamp            TEXT NOT NULL,
	time_elapsed_seconds REAL NOT NULL,
	vcpu_hours           REAL NOT NULL,
	memory_gb_hours      REAL NOT NULL,
	estimated_cost       REAL NOT NULL
);
`

// SQLite is the dev-mode store. Pass ":memory:" for an ephemeral database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (and if needed initializes) the database at path.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) PutUsage(ctx context.Context, rec usage.Record) error {
	var toolUsage any
	if len(rec.ToolUsage) > 0 {
		b, err := json.Marshal(rec.ToolUsage)
		if err != nil {
			return fmt.Errorf("marshaling tool usage: %w", err)
		}
		toolUsage = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records
			(user_id, session_id, timestamp, model, input_tokens, output_tokens,
			 total_tokens, estimated_cost, unknown_model, latency_ms, tool_usage)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.UserID, rec.SessionID, rec.Timestamp.Format(time.RFC3339Nano), rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.TotalTokens, rec.EstimatedCost,
		rec.UnknownModel, rec.LatencyMs, toolUsage)
	if err != nil {
		return fmt.Errorf("inserting usage record: %w", err)
	}
	return nil
}

func (s *SQLite) PutViolation(ctx context.Context, v usage.GuardrailViolation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO guardrail_violations
			(user_id, session_id, timestamp, source, action, filter_type, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.UserID, v.SessionID, v.Timestamp.Format(time.RFC3339Nano),
		v.Source, v.Action, v.FilterType, v.Confidence)
	if err != nil {
		return fmt.Errorf("inserting guardrail violation: %w", err)
	}
	return nil
}

func (s *SQLite) PutRuntimeUsage(ctx context.Context, rec usage.RuntimeUsageRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runtime_usage
			(session_id, timestamp, time_elapsed_seconds, vcpu_hours, memory_gb_hours, estimated_cost)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Timestamp.Format(time.RFC3339Nano),
		rec.TimeElapsedSeconds, rec.VCPUHours, rec.MemoryGBHours, rec.EstimatedCost)
	if err != nil {
		return fmt.Errorf("inserting runtime usage record: %w", err)
	}
	return nil
}
