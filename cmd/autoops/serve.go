package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"autoops/internal/advisory"
	"autoops/internal/config"
	"autoops/internal/deploy"
	"autoops/internal/nvd"
	"autoops/internal/schedule"
	"autoops/internal/server"
	"autoops/internal/superops"
	"autoops/pkg/fileutil"

	"github.com/spf13/cobra"
)

var (
	configFile string
	logFile    string
	listenAddr string
	testMode   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the automation API server",
	Long: `Start the HTTP server that exposes schedule, inventory, vulnerability,
and AI analysis endpoints.

Scheduled deployments are re-armed from the database on startup, so restarting
the server does not lose pending schedules.`,
	RunE: runServe,
}

func init() {
	// Flags for serve command
	serveCmd.Flags().StringVarP(&configFile, "config", "c", getEnvOrDefault("AUTOOPS_CONFIG_FILE", ""), "Path to autoops.yaml configuration file")
	serveCmd.Flags().StringVar(&logFile, "log", getEnvOrDefault("AUTOOPS_LOG_FILE", ""), "Path to log file (default ./autoops.log)")
	serveCmd.Flags().StringVar(&listenAddr, "listen", getEnvOrDefault("AUTOOPS_LISTEN_ADDR", ""), "Listen address (overrides config)")
	serveCmd.Flags().BoolVar(&testMode, "test-mode", os.Getenv("AUTOOPS_TEST_MODE") == "1", "Enable test mode (disables rate limiting)")
}

func runServe(cmd *cobra.Command, args []string) error {
	// Determine config file path; the server runs on defaults when no
	// config file exists anywhere
	if configFile == "" {
		searchPaths := fileutil.DefaultConfigPaths("autoops.yaml")
		configFile = fileutil.SearchPathsOptional(searchPaths)
	}

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}
	if logFile == "" {
		logFile = cfg.Log.File
	}
	if logFile == "" {
		logFile = "./autoops.log"
	}

	// Set up logging
	logger, logFileHandle, err := setupLogging(logFile, cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logFileHandle.Close()

	logger.Info("Starting autoops", "config", configFile)

	// Open the schedule database
	logger.Info("Opening schedule database", "db", cfg.Database.Path)
	store, err := schedule.NewStore(cfg.Database.Path)
	if err != nil {
		logger.Error("Failed to open schedule database", "error", err)
		return fmt.Errorf("failed to open schedule database: %w", err)
	}
	defer store.Close()

	// MSP platform client; nil disables the platform and deployments take
	// the mock path
	var platform *superops.Client
	if cfg.SuperOps.APIToken != "" {
		logger.Info("SuperOps platform enabled", "subdomain", cfg.SuperOps.Subdomain, "data_center", cfg.SuperOps.DataCenter)
		platform = superops.NewClient(superops.Config{
			APIToken:   cfg.SuperOps.APIToken,
			Subdomain:  cfg.SuperOps.Subdomain,
			DataCenter: cfg.SuperOps.DataCenter,
		}, logger)
	} else {
		logger.Warn("SuperOps platform disabled, deployments will use mock mode")
	}

	// AI advisory model; nil oracle falls back to rule-based analysis
	var oracle advisory.Oracle
	if cfg.Advisory.APIKey != "" {
		logger.Info("AI advisory model enabled", "model", cfg.Advisory.Model)
		oracle = advisory.NewAnthropicOracle(cfg.Advisory.APIKey, cfg.Advisory.Model)
	} else {
		logger.Warn("AI advisory model disabled, using rule-based analysis")
	}
	gate := advisory.NewGate(oracle, logger)

	// Vulnerability database client; works unkeyed at a reduced rate
	vulns := nvd.NewClient(cfg.NVD.APIKey, logger)

	var executorDeployer deploy.Deployer
	if platform != nil {
		executorDeployer = platform
	}
	executor := deploy.NewExecutor(executorDeployer, logger)

	// The registrar fires into the orchestrator, which also arms triggers
	// through the registrar. Bind through a closure to break the cycle.
	var orch *schedule.Orchestrator
	registrar := schedule.NewCronRegistrar(func(ctx context.Context, payload schedule.TriggerPayload) {
		orch.ExecutePayload(ctx, payload)
	}, logger)
	orch = schedule.NewOrchestrator(store, registrar, executor, gate, logger)

	registrar.Start()
	defer registrar.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Re-arm triggers for schedules that were pending at last shutdown
	if err := orch.RearmPending(ctx); err != nil {
		logger.Error("Failed to re-arm pending schedules", "error", err)
		return fmt.Errorf("failed to re-arm pending schedules: %w", err)
	}

	// Create and start server
	var platformProvider server.PlatformProvider
	if platform != nil {
		platformProvider = platform
	}
	srv := server.NewServer(orch, gate, platformProvider, vulns, logger, testMode)
	srv.SetRateLimit(cfg.Server.RateLimitPerSec, cfg.Server.RateLimitBurst)

	logger.Info("Starting HTTP server", "addr", cfg.Server.ListenAddr)
	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	if err := srv.Start(ctx, cfg.Server.ListenAddr, shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server failed", "error", err)
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("Server stopped")
	return nil
}

// setupLogging configures slog for file logging
// Returns both the logger and the file handle (caller must close the file)
func setupLogging(logPath, level string) (*slog.Logger, *os.File, error) {
	// Create log directory if needed
	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Open log file with secure permissions
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	// Create multi-writer to log to both file and console
	multiWriter := io.MultiWriter(os.Stdout, file)

	// Create JSON handler for structured logging
	handler := slog.NewJSONHandler(multiWriter, &slog.HandlerOptions{
		Level: logLevel(level),
	})

	logger := slog.New(handler)

	return logger, file, nil
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Helper functions for environment variables
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
