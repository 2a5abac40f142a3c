package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/RedKAa/meetbot/internal/config"
	"github.com/RedKAa/meetbot/internal/metrics"
	"github.com/RedKAa/meetbot/internal/pipeline"
	"github.com/RedKAa/meetbot/internal/server"
	"github.com/RedKAa/meetbot/internal/session"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "meetbot-ingest"
	serviceVersion    = "1.0.0"

	// pipelineGrace bounds how long shutdown waits for in-flight
	// post-archive work before cancelling it.
	pipelineGrace = 30 * time.Second
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
		slog.String("env", cfg.Env),
	)

	logger.Info("Configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.String("recordings_root", cfg.Recording.RecordingsRoot),
		slog.Bool("mixed_audio", cfg.Recording.EnableMixedAudio),
		slog.Bool("per_participant_audio", cfg.Recording.EnablePerParticipantAudio),
		slog.Int("inactivity_timeout", cfg.Recording.InactivityTimeout),
		slog.String("summarisation_provider", cfg.Pipeline.SummarisationProvider),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Initialize the post-archive pipeline
	runner, err := pipeline.NewRunner(&cfg.Pipeline, logger, appMetrics)
	if err != nil {
		logger.Error("Failed to create pipeline runner", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize session manager
	sessionMgr := session.NewManager(cfg, logger, appMetrics, runner.ProcessAsync)
	logger.Info("Session manager initialized",
		slog.Duration("inactivity_timeout", cfg.Recording.GetInactivityTimeout()),
	)

	// Initialize WebSocket server
	wsServer := server.NewWSServer(&cfg.Server, logger, sessionMgr)

	// Initialize HTTP API server (if enabled)
	var httpServer *server.HTTPServer
	if cfg.Server.HTTPEnabled {
		httpServer = server.NewHTTPServer(cfg, logger, sessionMgr, runner, appMetrics)
		logger.Info("HTTP API server initialized",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.HTTPPort)),
		)
	}

	// Start servers
	if err := wsServer.Start(); err != nil {
		logger.Error("Failed to start WebSocket server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("ws_address", fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port)),
	)

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
		shutdownCancel()
	}

	// Stop session manager first so sessions finalise and their sockets
	// close, then stop the WebSocket listener.
	sessionMgr.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := wsServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping WebSocket server", slog.String("error", err.Error()))
	}
	shutdownCancel()

	// Let in-flight post-archive work finish, bounded by the grace period.
	runner.Stop(pipelineGrace)

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	// Determine output destination; file paths get rotation.
	var output io.Writer
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		output = &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
