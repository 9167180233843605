// Command relay serves the chat streaming API: it gates prompts through the
// content guardrail, relays the agent runtime's response stream to browsers
// over SSE, and records token and compute usage.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/agentchat/relay/internal/config"
	"github.com/agentchat/relay/internal/guardrail"
	"github.com/agentchat/relay/internal/ingest"
	"github.com/agentchat/relay/internal/monitoring"
	"github.com/agentchat/relay/internal/relay"
	"github.com/agentchat/relay/internal/runtime"
	"github.com/agentchat/relay/internal/storage"
	"github.com/agentchat/relay/internal/usage"
)

func main() {
	var (
		configPath string
		debug      bool
	)
	flag.StringVar(&configPath, "config", "config.yaml", "path to the YAML config file")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.Parse()

	_ = godotenv.Load()
	setupLogging(debug)

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink, cleanup, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize usage store")
	}
	defer cleanup()

	invoker, err := buildInvoker(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize runtime client")
	}

	gate, err := buildGate(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize guardrail gate")
	}

	tracker, err := monitoring.NewTracker(monitoring.TelemetryConfig{
		Enabled:     cfg.Telemetry.Enabled,
		LogPath:     cfg.Telemetry.LogPath,
		LogToStdout: cfg.Telemetry.LogToStdout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize telemetry")
	}
	defer func() { _ = tracker.Close() }()

	recorder := usage.NewRecorder(sink)
	handler := relay.NewHandler(cfg, invoker, gate, recorder, tracker)

	mux := http.NewServeMux()
	handler.Register(mux)
	mux.Handle("GET /metrics", monitoring.Handler())

	if cfg.Ingest.Enabled {
		pipeline := ingest.New(sink, cfg.Ingest.Dir, cfg.Ingest.Interval)
		go func() {
			if err := pipeline.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Usage ingest pipeline stopped")
			}
		}()
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Bool("dev_mode", cfg.DevMode).Msg("Relay listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.DefaultShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Shutdown incomplete, closing")
		_ = server.Close()
	}
}

// setupLogging configures the global zerolog logger: console output on a
// terminal, JSON otherwise.
func setupLogging(debug bool) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if term.IsTerminal(int(os.Stdout.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

func buildStore(ctx context.Context, cfg *config.Config) (usage.Sink, func(), error) {
	backend := cfg.Storage.Backend
	if cfg.DevMode {
		backend = "sqlite"
	}

	switch backend {
	case "sqlite":
		store, err := storage.NewSQLite(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("path", cfg.Storage.SQLitePath).Msg("Using SQLite usage store")
		return store, func() { _ = store.Close() }, nil

	case "dynamodb":
		store, err := storage.NewDynamoDB(ctx, cfg.Runtime.Region, storage.Tables{
			Usage:        cfg.Storage.UsageTable,
			Violations:   cfg.Storage.ViolationsTable,
			RuntimeUsage: cfg.Storage.RuntimeUsageTable,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

func buildInvoker(ctx context.Context, cfg *config.Config) (runtime.Invoker, error) {
	return runtime.NewAgentCoreClient(ctx, cfg.Runtime.Region, cfg.Runtime.RuntimeARN)
}

func buildGate(ctx context.Context, cfg *config.Config) (guardrail.Gate, error) {
	if !cfg.Guardrail.Enabled {
		return guardrail.Disabled{}, nil
	}
	inner, err := guardrail.NewBedrockGate(ctx, cfg.Runtime.Region, cfg.Guardrail.ID, cfg.Guardrail.Version)
	if err != nil {
		return nil, err
	}
	return guardrail.NewPolicyGate(inner, cfg.Guardrail.FailOpen), nil
}
