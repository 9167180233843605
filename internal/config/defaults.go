// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be defined here.
// This makes configuration more maintainable and auditable.
package config

import "time"

// =============================================================================
// HTTP AND NETWORKING
// =============================================================================

// DefaultListenAddr is the relay's listen address.
const DefaultListenAddr = ":8080"

// DefaultServerWriteTimeout for HTTP server (safe for streaming).
const DefaultServerWriteTimeout = 10 * time.Minute

// DefaultServerReadTimeout bounds how long a client may take to send a request.
const DefaultServerReadTimeout = 30 * time.Second

// DefaultShutdownTimeout bounds graceful shutdown.
const DefaultShutdownTimeout = 10 * time.Second

// MaxRequestBodySize is the maximum allowed request body (1MB). Chat requests
// are small; anything bigger is a client bug.
const MaxRequestBodySize = 1 * 1024 * 1024

// =============================================================================
// STREAMING
// =============================================================================

// DefaultWriteQueueSize is the per-connection SSE frame buffer. A client that
// falls further behind than this is disconnected.
const DefaultWriteQueueSize = 256

// =============================================================================
// TOKEN ESTIMATION
// =============================================================================

// TokenEstimateRatio is the approximate number of characters per token.
// Used for rough token counting when the tokenizer is unavailable.
const TokenEstimateRatio = 4

// DefaultMaxPromptTokens caps the prompt size admitted to the runtime.
const DefaultMaxPromptTokens = 8000

// =============================================================================
// STORAGE DEFAULTS
// =============================================================================

// Default DynamoDB table names, overridable per environment.
const (
	DefaultUsageTable        = "chat_usage"
	DefaultViolationsTable   = "chat_guardrail_violations"
	DefaultRuntimeUsageTable = "chat_runtime_usage"
)

// DefaultSQLitePath is the dev-mode database location.
const DefaultSQLitePath = "relay.db"

// =============================================================================
// INGEST DEFAULTS
// =============================================================================

// DefaultIngestInterval is how often the usage log directory is swept.
const DefaultIngestInterval = 1 * time.Minute

// DefaultIngestDir is where the runtime delivers usage logs.
const DefaultIngestDir = "/var/log/agent-runtime/usage"

// =============================================================================
// TELEMETRY DEFAULTS
// =============================================================================

// DefaultTelemetryLogPath is the JSONL turn log location.
const DefaultTelemetryLogPath = "logs/turns.jsonl"
