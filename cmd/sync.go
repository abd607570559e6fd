// File: cmd/sync.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scangraph/api/schemas"
	"github.com/xkilldash9x/scangraph/internal/observability"
	"github.com/xkilldash9x/scangraph/internal/orchestrator"
	"github.com/xkilldash9x/scangraph/internal/reconcile"
)

// newSyncCmd creates and configures the `sync` command.
func newSyncCmd(p componentProvider) *cobra.Command {
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the graph with the current Veracode findings of one integration instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}
			instance := cfg.Integration().Instance()

			graphStore, cleanup, err := p.Store(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			source, err := p.Source(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize finding source: %w", err)
			}

			tp, shutdown := observability.NewTracerProvider(cfg.Tracing(), cfg.Logger().ServiceName, logger)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(shutdownCtx); err != nil {
					logger.Warn("Failed to flush spans.", zap.Error(err))
				}
			}()

			driver, err := reconcile.NewDriver(graphStore, logger,
				reconcile.WithConcurrency(cfg.Reconcile().Concurrency),
				reconcile.WithTracer(tp.Tracer("scangraph/reconcile")))
			if err != nil {
				return err
			}

			opts := []orchestrator.Option{orchestrator.WithDryRun(cfg.Integration().DryRun)}
			archiver, err := p.Archiver(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize run archive: %w", err)
			}
			if archiver != nil {
				opts = append(opts, orchestrator.WithArchiver(archiver))
			}

			orch, err := orchestrator.New(logger, source, driver, graphStore, opts...)
			if err != nil {
				return fmt.Errorf("failed to create orchestrator: %w", err)
			}

			sum, err := orch.Sync(ctx, instance)
			if sum != nil {
				printSummary(cmd, sum)
			}
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return fmt.Errorf("sync aborted: %w", err)
				}
				return fmt.Errorf("sync of %s finished with errors: %w", instance.ID, err)
			}
			return nil
		},
	}

	syncCmd.Flags().Bool("dry-run", false, "Compute the operation batch without persisting it.")
	syncCmd.Flags().String("from-file", "", "Read applications and findings from a JSON snapshot instead of the API.")
	syncCmd.Flags().String("backend", "", "Graph backend: postgres or memory. (Overrides config/env)")
	syncCmd.Flags().IntP("concurrency", "j", 0, "Number of scopes reconciled at once. (Overrides config/env)")
	syncCmd.Flags().String("instance-id", "", "Integration instance to sync. (Overrides config/env)")
	syncCmd.Flags().String("account-id", "", "Account owning the integration instance. (Overrides config/env)")

	bindConfigFlag(syncCmd, "dry-run", "integration.dry_run")
	bindConfigFlag(syncCmd, "from-file", "veracode.snapshot_file")
	bindConfigFlag(syncCmd, "backend", "database.backend")
	bindConfigFlag(syncCmd, "concurrency", "reconcile.concurrency")
	bindConfigFlag(syncCmd, "instance-id", "integration.instance_id")
	bindConfigFlag(syncCmd, "account-id", "integration.account_id")
	return syncCmd
}

// printSummary writes a short human-readable roll-up of a run.
func printSummary(cmd *cobra.Command, sum *orchestrator.Summary) {
	mode := "applied"
	if sum.DryRun {
		mode = "dry run"
	}
	cmd.Printf("Run %s (%s): %d created, %d updated, %d deleted, %d mapped; %d records skipped, %d scopes failed\n",
		sum.RunID, mode,
		sum.Counts[schemas.OpCreate],
		sum.Counts[schemas.OpUpdate],
		sum.Counts[schemas.OpDelete],
		sum.Counts[schemas.OpCreateMappedRelationship],
		sum.TotalSkipped(),
		len(sum.Failures))
	if sum.ArchiveKey != "" {
		cmd.Printf("Archived as %s\n", sum.ArchiveKey)
	}
}
