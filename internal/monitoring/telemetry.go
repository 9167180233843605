// Package monitoring - telemetry.go records per-turn events to JSONL files.
//
// DESIGN: Tracker writes one JSON object per line, appended immediately after
// each turn so the file is tail-able in real time. This is the debugging
// trail; billing-grade records go through the usage store instead.
package monitoring

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// TelemetryConfig controls the JSONL turn log.
type TelemetryConfig struct {
	Enabled     bool
	LogPath     string
	LogToStdout bool
}

// TurnEvent is one line of the turn log.
type TurnEvent struct {
	Timestamp    time.Time      `json:"timestamp"`
	SessionID    string         `json:"session_id"`
	UserID       string         `json:"user_id"`
	State        string         `json:"state"`
	Model        string         `json:"model,omitempty"`
	InputTokens  int            `json:"input_tokens,omitempty"`
	OutputTokens int            `json:"output_tokens,omitempty"`
	LatencyMs    int64          `json:"latency_ms,omitempty"`
	ToolUsage    map[string]int `json:"tool_usage,omitempty"`
	ToolErrors   int            `json:"tool_errors,omitempty"`
	Reason       string         `json:"reason,omitempty"`
}

// Tracker handles telemetry event recording to file and stdout.
type Tracker struct {
	config    TelemetryConfig
	logPath   string
	turnCount int
	mu        sync.Mutex
}

// NewTracker creates a new telemetry tracker.
func NewTracker(cfg TelemetryConfig) (*Tracker, error) {
	t := &Tracker{config: cfg}

	if !cfg.Enabled || cfg.LogPath == "" {
		return t, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0750); err != nil {
		return nil, err
	}
	t.logPath = cfg.LogPath
	if _, err := os.Stat(cfg.LogPath); os.IsNotExist(err) {
		if f, err := os.Create(cfg.LogPath); err == nil {
			_ = f.Close()
		}
	}
	return t, nil
}

// appendJSONL appends a single JSON object as a line to the file.
func appendJSONL(path string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = f.Write(data)
	return err
}

// RecordTurn records one finished turn.
func (t *Tracker) RecordTurn(event *TurnEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.config.LogToStdout {
		sessID := event.SessionID
		if len(sessID) > 8 {
			sessID = sessID[:8]
		}
		log.Info().
			Str("session_id", sessID).
			Str("state", event.State).
			Int("input_tokens", event.InputTokens).
			Int("output_tokens", event.OutputTokens).
			Msg("telemetry")
	}

	if t.logPath != "" {
		if err := appendJSONL(t.logPath, event); err != nil {
			log.Error().Err(err).Str("path", t.logPath).Msg("telemetry: failed to write turn event")
		} else {
			t.turnCount++
		}
	}
}

// Close logs a session summary. Safe on a disabled tracker.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.logPath != "" && t.turnCount > 0 {
		log.Info().
			Str("path", t.logPath).
			Int("turns", t.turnCount).
			Msg("telemetry: session complete")
	}
	return nil
}
