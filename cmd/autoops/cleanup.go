package main

import (
	"context"
	"fmt"

	"autoops/internal/advisory"
	"autoops/internal/deploy"
	"autoops/internal/schedule"

	"github.com/spf13/cobra"
)

var cleanupRetentionDays int

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove old completed and cancelled schedules",
	Long: `Remove COMPLETED and CANCELLED schedules older than the retention period.

FAILED schedules are kept for audit regardless of age.`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().IntVar(&cleanupRetentionDays, "retention-days", 0, "Retention period in days (default from config)")
}

func runCleanup(cmd *cobra.Command, args []string) error {
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

	orch := schedule.NewOrchestrator(store, nil, deploy.NewExecutor(nil, logger), advisory.NewGate(nil, logger), logger)

	days := cleanupRetentionDays
	if days <= 0 {
		days = cfg.Retention.Days
	}

	result := orch.Cleanup(context.Background(), days)
	if !result.Success {
		return fmt.Errorf("cleanup failed: %s", result.Error)
	}

	fmt.Printf("Removed %d schedules older than %d days\n", result.DeletedCount, days)
	return nil
}
