package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/22VermeijT/SpeakTogether/internal/audio"
	"github.com/22VermeijT/SpeakTogether/internal/caption"
	"github.com/22VermeijT/SpeakTogether/internal/config"
	"github.com/22VermeijT/SpeakTogether/internal/events"
	"github.com/22VermeijT/SpeakTogether/internal/metrics"
	"github.com/22VermeijT/SpeakTogether/internal/overlay"
	"github.com/22VermeijT/SpeakTogether/internal/protocol"
	"github.com/22VermeijT/SpeakTogether/internal/recognizer"
	"github.com/22VermeijT/SpeakTogether/internal/server"
	"github.com/22VermeijT/SpeakTogether/internal/session"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "speak-together"
	serviceVersion    = "1.0.0"
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

	// Log service startup
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("ws_port", cfg.Server.Port),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("max_sessions", cfg.Server.MaxSessions),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.String("default_source", cfg.Audio.DefaultSource),
		slog.Float64("segment_min_duration", cfg.Segmenter.MinDuration),
		slog.Float64("segment_max_duration", cfg.Segmenter.MaxDuration),
		slog.String("recognition_endpoint", cfg.Recognition.Endpoint),
		slog.Bool("overlay_enabled", cfg.Overlay.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Event bus for in-process notifications
	bus := events.NewBus(logger)

	// Overlay window manager with the headless rendering backend
	overlays := overlay.NewManager(func() overlay.Surface {
		return overlay.NewHeadlessSurface(logger)
	}, logger)

	if cfg.Overlay.Enabled {
		hint := overlay.Bounds{
			X:      cfg.Overlay.X,
			Y:      cfg.Overlay.Y,
			Width:  cfg.Overlay.Width,
			Height: cfg.Overlay.Height,
		}
		id := overlays.Create(hint)
		result := overlays.Toggle(id, true)
		if !result.Success {
			logger.Error("Failed to enable default overlay window",
				slog.String("overlay_id", id.String()),
				slog.String("error", result.Error),
			)
		} else {
			logger.Info("Default overlay window enabled",
				slog.String("overlay_id", id.String()),
				slog.Int("width", hint.Width),
				slog.Int("height", hint.Height),
			)
		}
	}

	// Caption broadcaster delivering to every subscribed overlay window
	broadcaster := caption.NewBroadcaster(overlays, logger)

	// Recognition engine: remote HTTP service, or the offline stub when no
	// endpoint is configured
	engine, err := recognizer.NewEngine(recognizer.Config{
		Endpoint:      cfg.Recognition.Endpoint,
		EnhanceURL:    cfg.Recognition.EnhanceURL,
		APIKey:        cfg.Recognition.APIKey,
		Model:         cfg.Recognition.Model,
		Timeout:       cfg.Recognition.GetTimeoutDuration(),
		MaxRetries:    cfg.Recognition.MaxRetries,
		MaxConcurrent: cfg.Recognition.MaxConcurrent,
		Metrics:       appMetrics,
	}, logger)
	if err != nil {
		logger.Error("Failed to create recognition engine", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Audio capture provider: PCM pipes when configured, synthetic tone
	// source otherwise
	var provider audio.Provider
	if cfg.Audio.MicrophonePath != "" {
		provider = &audio.PipeProvider{
			MicrophonePath: cfg.Audio.MicrophonePath,
			SystemPath:     cfg.Audio.SystemPath,
		}
		logger.Info("Using pipe audio provider",
			slog.String("microphone_path", cfg.Audio.MicrophonePath),
			slog.String("system_path", cfg.Audio.SystemPath),
		)
	} else {
		provider = &audio.ToneProvider{}
		logger.Info("No capture paths configured, using synthetic audio provider")
	}

	// Session manager
	settings := session.Settings{
		DefaultAudio: protocol.AudioConfig{
			SampleRate:     cfg.Audio.SampleRate,
			Channels:       cfg.Audio.Channels,
			ChunkSize:      cfg.Audio.ChunkSize,
			BufferDuration: cfg.Audio.BufferDuration,
			AudioSource:    cfg.Audio.DefaultSource,
			SourceLanguage: caption.DefaultSourceLanguage,
			TargetLanguage: caption.DefaultTargetLanguage,
		},
		Segmenter: audio.SegmenterConfig{
			VolumeThreshold:  cfg.Segmenter.VolumeThreshold,
			MinDuration:      cfg.Segmenter.GetMinDuration(),
			TargetDuration:   cfg.Segmenter.GetTargetDuration(),
			MaxDuration:      cfg.Segmenter.GetMaxDuration(),
			SilenceThreshold: cfg.Segmenter.GetSilenceThreshold(),
		},
		Throttle: caption.ThrottleConfig{
			LanguageInterval:      cfg.Throttle.GetLanguageInterval(),
			StatusInterval:        cfg.Throttle.GetStatusInterval(),
			TranscriptionInterval: cfg.Throttle.GetTranscriptionInterval(),
		},
		Timeout:      cfg.Server.GetSessionTimeoutDuration(),
		EnhanceAfter: cfg.Recognition.GetEnhanceAfterDuration(),
	}
	deps := session.Deps{
		Engine:      engine,
		Broadcaster: broadcaster,
		Provider:    provider,
		Bus:         bus,
		Metrics:     appMetrics,
		Logger:      logger,
	}
	sessions := session.NewManager(settings, deps, cfg.Server.MaxSessions, cfg.Server.GetCleanupIntervalDuration())
	logger.Info("Session manager initialized",
		slog.Duration("session_timeout", settings.Timeout),
		slog.Int("max_sessions", cfg.Server.MaxSessions),
	)

	// Initialize WebSocket server
	wsServer := server.NewWSServer(&cfg.Server, logger, sessions)
	logger.Info("WebSocket server initialized")

	// Initialize HTTP API server (if enabled)
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(&cfg.HTTP, logger, cfg, sessions, overlays,
			broadcaster, bus, wsServer, appMetrics)
		logger.Info("HTTP API server initialized",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		)
	}

	// Start WebSocket server
	if err := wsServer.Start(); err != nil {
		logger.Error("Failed to start WebSocket server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Start HTTP server (if enabled)
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

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	// Stop WebSocket server (stop accepting new connections)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := wsServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping WebSocket server", slog.String("error", err.Error()))
	}

	// Stop session manager (close sessions and stop background routines)
	sessions.Stop()

	// Release overlay window resources
	if err := overlays.Shutdown(); err != nil {
		logger.Error("Error shutting down overlay windows", slog.String("error", err.Error()))
	}

	// Close the recognition engine
	if err := engine.Close(); err != nil {
		logger.Error("Error closing recognition engine", slog.String("error", err.Error()))
	}

	// Get final statistics
	connStats := wsServer.GetStatistics()
	broadcastStats := broadcaster.GetStats()
	logger.Info("Final server statistics",
		slog.Uint64("connections_accepted", connStats.ConnectionsAccepted),
		slog.Uint64("connections_rejected", connStats.ConnectionsRejected),
		slog.Uint64("captions_published", broadcastStats.Published),
		slog.Uint64("caption_deliveries", broadcastStats.Deliveries),
	)

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
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
		level = slog.LevelInfo // default fallback
	}

	// Configure handler options
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text", "":
		handler = slog.NewTextHandler(output, opts)
	default:
		// Default to text format
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
