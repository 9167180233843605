// Package usage defines the accounting records written after each turn and
// the recorder that prices them.
package usage

import (
	"context"
	"time"
)

// Record is the per-turn usage row. One is written for every completed turn;
// blocked and errored turns write nothing.
type Record struct {
	UserID        string         `json:"user_id" dynamodbav:"user_id"`
	SessionID     string         `json:"session_id" dynamodbav:"session_id"`
	Timestamp     time.Time      `json:"timestamp" dynamodbav:"timestamp"`
	Model         string         `json:"model" dynamodbav:"model"`
	InputTokens   int            `json:"input_tokens" dynamodbav:"input_tokens"`
	OutputTokens  int            `json:"output_tokens" dynamodbav:"output_tokens"`
	TotalTokens   int            `json:"total_tokens" dynamodbav:"total_tokens"`
	EstimatedCost float64        `json:"estimated_cost" dynamodbav:"estimated_cost"`
	UnknownModel  bool           `json:"unknown_model,omitempty" dynamodbav:"unknown_model"`
	LatencyMs     int64          `json:"latency_ms" dynamodbav:"latency_ms"`
	ToolUsage     map[string]int `json:"tool_usage,omitempty" dynamodbav:"tool_usage,omitempty"`
}

// GuardrailViolation is persisted whenever a gate blocks a turn, and for
// shadow-mode interventions reported by the runtime.
type GuardrailViolation struct {
	UserID     string    `json:"user_id" dynamodbav:"user_id"`
	SessionID  string    `json:"session_id" dynamodbav:"session_id"`
	Timestamp  time.Time `json:"timestamp" dynamodbav:"timestamp"`
	Source     string    `json:"source" dynamodbav:"source"` // INPUT or OUTPUT
	Action     string    `json:"action" dynamodbav:"action"`
	FilterType string    `json:"filter_type,omitempty" dynamodbav:"filter_type"`
	Confidence string    `json:"confidence,omitempty" dynamodbav:"confidence"`
}

// RuntimeUsageRecord is one row of agent runtime compute usage, ingested
// asynchronously from the runtime's delivered usage logs.
type RuntimeUsageRecord struct {
	SessionID          string    `json:"session_id" dynamodbav:"session_id"`
	Timestamp          time.Time `json:"timestamp" dynamodbav:"timestamp"`
	TimeElapsedSeconds float64   `json:"time_elapsed_seconds" dynamodbav:"time_elapsed_seconds"`
	VCPUHours          float64   `json:"vcpu_hours" dynamodbav:"vcpu_hours"`
	MemoryGBHours      float64   `json:"memory_gb_hours" dynamodbav:"memory_gb_hours"`
	EstimatedCost      float64   `json:"estimated_cost" dynamodbav:"estimated_cost"`
}

// Sink is the persistence surface the accounting side needs. Implemented by
// the storage backends.
type Sink interface {
	PutUsage(ctx context.Context, rec Record) error
	PutViolation(ctx context.Context, v GuardrailViolation) error
	PutRuntimeUsage(ctx context.Context, rec RuntimeUsageRecord) error
}
