package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/pkgload/internal/logger"
	"github.com/marmos91/pkgload/internal/telemetry"
	"github.com/marmos91/pkgload/pkg/config"
	"github.com/marmos91/pkgload/pkg/metrics"
	"github.com/marmos91/pkgload/pkg/server"

	// Import prometheus metrics to register init() functions
	_ "github.com/marmos91/pkgload/pkg/metrics/prometheus"
)

var (
	servePort     int
	serveWatchDir string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the loading engine behind an HTTP API",
	Long: `Serve mounts the configured stores and exposes the engine over HTTP.

Endpoints:
  POST /api/v1/load            {"packages": [...], "priority": "high"}
  GET  /api/v1/packages/<name>
  GET  /api/v1/status
  GET  /health
  GET  /metrics                when metrics.enabled is set

Examples:
  # Serve with the default config file
  pkgload serve

  # Mount containers as they are cooked into ./containers
  pkgload serve --watch ./containers

  # Override settings from the environment
  PKGLOAD_LOGGING_LEVEL=DEBUG PKGLOAD_SERVER_PORT=9090 pkgload serve`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP port (default: server.port)")
	serveCmd.Flags().StringVar(&serveWatchDir, "watch", "", "Container directory to watch (default: server.watch_dir)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Server.Port = servePort
	}
	if serveWatchDir != "" {
		cfg.Server.WatchDir = serveWatchDir
	}

	ctx, cancel := signalContext()
	defer cancel()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "pkgload",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", logger.Err(err))
		}
	}()

	profilingShutdown, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "pkgload",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", logger.Err(err))
		}
	}()

	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))
	if telemetry.IsEnabled() {
		logger.Info("Telemetry enabled", "endpoint", cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	}
	if telemetry.IsProfilingEnabled() {
		logger.Info("Profiling enabled", "endpoint", cfg.Telemetry.Profiling.Endpoint)
	}

	config.InitializeMetrics(cfg)

	rt, err := config.InitializeRuntime(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize runtime: %w", err)
	}
	defer func() {
		// ctx is canceled by now
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancelShutdown()
		if err := rt.Close(shutdownCtx); err != nil {
			logger.Error("Runtime shutdown error", logger.Err(err))
		}
	}()

	srv := server.New(server.Config{
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		LoadTimeout:  cfg.Server.LoadTimeout,
		CORSOrigins:  cfg.Server.CORSOrigins,
		WatchDir:     cfg.Server.WatchDir,
	}, rt.Engine, metrics.NewServerMetrics())

	logger.Info("Server is running. Press Ctrl+C to stop.",
		"mounts", len(rt.Engine.Mounts()),
		"packages", rt.Engine.Headers().Len())

	if err := srv.Start(ctx); err != nil {
		logger.Error("Server error", logger.Err(err))
		return err
	}
	logger.Info("Server stopped gracefully")
	return nil
}
