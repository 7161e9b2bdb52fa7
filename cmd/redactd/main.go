package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/veilcare/redact/internal/audit"
	"github.com/veilcare/redact/internal/config"
	"github.com/veilcare/redact/internal/job"
	"github.com/veilcare/redact/internal/policy"
	"github.com/veilcare/redact/internal/resolve"
	"github.com/veilcare/redact/internal/server"
	"github.com/veilcare/redact/internal/storage"
	"github.com/veilcare/redact/internal/storage/memory"
	"github.com/veilcare/redact/internal/storage/sqlite"
	"github.com/veilcare/redact/internal/telemetry"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	configPath := os.Getenv("REDACT_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	shutdownTracer, err := telemetry.Init("redactd", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	var store storage.AuditStore
	if cfg.Storage.SQLitePath != "" {
		store, err = sqlite.New(cfg.Storage.SQLitePath)
		if err != nil {
			log.Fatalf("Failed to open audit store: %v", err)
		}
		logger.Info("audit store: sqlite", slog.String("path", cfg.Storage.SQLitePath))
	} else {
		store = memory.New()
		logger.Info("audit store: in-memory")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close audit store", slog.String("error", err.Error()))
		}
	}()

	emitters := []audit.Emitter{audit.NewLogEmitter(logger)}
	if cfg.PubSub.Enabled {
		ps, err := audit.NewPubSubEmitter(context.Background(), cfg.PubSub.ProjectID, cfg.PubSub.TopicID, logger)
		if err != nil {
			log.Fatalf("Failed to connect pubsub emitter: %v", err)
		}
		defer ps.Close()
		emitters = append(emitters, ps)
		logger.Info("audit emitter: pubsub", slog.String("topic", cfg.PubSub.TopicID))
	}

	resolver := resolve.New(resolve.Config{
		VisualPadMs: cfg.Redaction.FrameDurationMs,
		AudioPadMs:  cfg.Redaction.AudioPadMs,
	})
	pol := policy.New(policy.Strictness(cfg.Policy.Strictness))
	jobs := job.NewManager(resolver, pol, audit.NewMultiEmitter(emitters...))

	srv := server.New(cfg.Server.Port, logger, jobs, store)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
