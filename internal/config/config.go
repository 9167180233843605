// Package config loads relay configuration: defaults, then an optional YAML
// file, then environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full relay configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Guardrail GuardrailConfig `yaml:"guardrail"`
	Storage   StorageConfig   `yaml:"storage"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Limits    LimitsConfig    `yaml:"limits"`

	// DevMode swaps DynamoDB for a local SQLite file and relaxes validation.
	DevMode bool `yaml:"dev_mode"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RuntimeConfig points at the agent runtime.
type RuntimeConfig struct {
	Region     string `yaml:"region"`
	RuntimeARN string `yaml:"runtime_arn"`
}

// GuardrailConfig controls the content gate.
type GuardrailConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ID          string `yaml:"id"`
	Version     string `yaml:"version"`
	CheckOutput bool   `yaml:"check_output"`
	// FailOpen allows turns through when the guardrail service itself fails.
	// Off by default: an unreachable policy blocks.
	FailOpen bool `yaml:"fail_open"`
}

// StorageConfig selects and parameterizes the usage store.
type StorageConfig struct {
	Backend           string `yaml:"backend"` // dynamodb or sqlite
	UsageTable        string `yaml:"usage_table"`
	ViolationsTable   string `yaml:"violations_table"`
	RuntimeUsageTable string `yaml:"runtime_usage_table"`
	SQLitePath        string `yaml:"sqlite_path"`
}

// IngestConfig controls the runtime usage log pipeline.
type IngestConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Dir      string        `yaml:"dir"`
	Interval time.Duration `yaml:"interval"`
}

// TelemetryConfig controls the JSONL turn log.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	LogPath     string `yaml:"log_path"`
	LogToStdout bool   `yaml:"log_to_stdout"`
}

// LimitsConfig holds admission limits.
type LimitsConfig struct {
	MaxPromptTokens int `yaml:"max_prompt_tokens"`
	WriteQueueSize  int `yaml:"write_queue_size"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         DefaultListenAddr,
			ReadTimeout:  DefaultServerReadTimeout,
			WriteTimeout: DefaultServerWriteTimeout,
		},
		Runtime: RuntimeConfig{
			Region: "us-east-1",
		},
		Guardrail: GuardrailConfig{
			Version: "DRAFT",
		},
		Storage: StorageConfig{
			Backend:           "dynamodb",
			UsageTable:        DefaultUsageTable,
			ViolationsTable:   DefaultViolationsTable,
			RuntimeUsageTable: DefaultRuntimeUsageTable,
			SQLitePath:        DefaultSQLitePath,
		},
		Ingest: IngestConfig{
			Dir:      DefaultIngestDir,
			Interval: DefaultIngestInterval,
		},
		Telemetry: TelemetryConfig{
			LogPath: DefaultTelemetryLogPath,
		},
		Limits: LimitsConfig{
			MaxPromptTokens: DefaultMaxPromptTokens,
			WriteQueueSize:  DefaultWriteQueueSize,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (ignored
// when empty or absent), and environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.Addr, "RELAY_ADDR")
	setString(&c.Runtime.Region, "AWS_REGION")
	setString(&c.Runtime.RuntimeARN, "AGENT_RUNTIME_ARN")
	setString(&c.Guardrail.ID, "GUARDRAIL_ID")
	setString(&c.Guardrail.Version, "GUARDRAIL_VERSION")
	setBool(&c.Guardrail.Enabled, "GUARDRAIL_ENABLED")
	setBool(&c.Guardrail.CheckOutput, "GUARDRAIL_CHECK_OUTPUT")
	setBool(&c.Guardrail.FailOpen, "GUARDRAIL_FAIL_OPEN")
	setString(&c.Storage.Backend, "RELAY_STORAGE_BACKEND")
	setString(&c.Storage.UsageTable, "USAGE_TABLE")
	setString(&c.Storage.ViolationsTable, "VIOLATIONS_TABLE")
	setString(&c.Storage.RuntimeUsageTable, "RUNTIME_USAGE_TABLE")
	setString(&c.Storage.SQLitePath, "RELAY_SQLITE_PATH")
	setBool(&c.Ingest.Enabled, "INGEST_ENABLED")
	setString(&c.Ingest.Dir, "INGEST_DIR")
	setBool(&c.Telemetry.Enabled, "TELEMETRY_ENABLED")
	setString(&c.Telemetry.LogPath, "TELEMETRY_LOG_PATH")
	setBool(&c.DevMode, "RELAY_DEV_MODE")
}

func (c *Config) validate() error {
	if !c.DevMode && c.Runtime.RuntimeARN == "" {
		return fmt.Errorf("runtime.runtime_arn is required (set AGENT_RUNTIME_ARN or enable dev_mode)")
	}
	if c.Guardrail.Enabled && c.Guardrail.ID == "" {
		return fmt.Errorf("guardrail.id is required when the guardrail is enabled")
	}
	switch c.Storage.Backend {
	case "dynamodb", "sqlite":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Limits.WriteQueueSize <= 0 {
		return fmt.Errorf("limits.write_queue_size must be positive")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}
