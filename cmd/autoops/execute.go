package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"autoops/internal/advisory"
	"autoops/internal/config"
	"autoops/internal/deploy"
	"autoops/internal/schedule"
	"autoops/internal/superops"
	"autoops/pkg/fileutil"

	"github.com/spf13/cobra"
)

var executeCmd = &cobra.Command{
	Use:   "execute <schedule-id>",
	Short: "Execute a schedule immediately",
	Long: `Execute a scheduled deployment immediately, regardless of its scheduled time.

This is the manual recovery path for schedules whose trigger failed to arm.
The schedule must be in SCHEDULED state.`,
	Args: cobra.ExactArgs(1),
	RunE: runExecute,
}

func runExecute(cmd *cobra.Command, args []string) error {
	scheduleID := args[0]

	cfg, err := loadCLIConfig()
	if err != nil {
		return err
	}
	logger := newCLILogger(cfg.Log.Level)

	store, err := schedule.NewStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open schedule database: %w", err)
	}
	defer store.Close()

	var deployer deploy.Deployer
	if cfg.SuperOps.APIToken != "" {
		deployer = superops.NewClient(superops.Config{
			APIToken:   cfg.SuperOps.APIToken,
			Subdomain:  cfg.SuperOps.Subdomain,
			DataCenter: cfg.SuperOps.DataCenter,
		}, logger)
	}
	executor := deploy.NewExecutor(deployer, logger)

	orch := schedule.NewOrchestrator(store, nil, executor, advisory.NewGate(nil, logger), logger)

	ctx := context.Background()

	record, err := store.Get(ctx, scheduleID)
	if err != nil {
		return fmt.Errorf("failed to load schedule %s: %w", scheduleID, err)
	}

	result := orch.Execute(ctx, record.ScheduleID, record.PatchID, record.DeviceIDs)
	if !result.Success {
		return fmt.Errorf("execution failed: %s", result.Error)
	}

	fmt.Printf("Schedule %s executed, final status: %s\n", result.ScheduleID, result.Status)
	return nil
}

// loadCLIConfig resolves the config file the same way serve does.
func loadCLIConfig() (*config.Config, error) {
	path := getEnvOrDefault("AUTOOPS_CONFIG_FILE", "")
	if path == "" {
		path = fileutil.SearchPathsOptional(fileutil.DefaultConfigPaths("autoops.yaml"))
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// newCLILogger logs human-readable text to stderr for one-shot commands.
func newCLILogger(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(level),
	}))
}
