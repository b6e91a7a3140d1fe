package main

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/velmie/boxrelay"
)

func newCleanupCmd(flags *rootFlags) *cobra.Command {
	var (
		once     bool
		schedule string
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired delivered and discarded rows",
		Long: "Deletes terminal rows older than each box's retention. Only one process cleans at a " +
			"time; the others skip the pass.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(flags)
			if err != nil {
				return err
			}
			defer a.close()

			if schedule == "" {
				schedule = a.cfg.Cleanup.Schedule
			}
			boxes, err := a.buildBoxes(false)
			if err != nil {
				return err
			}
			handle, err := a.openStore(cmd.Context(), boxes)
			if err != nil {
				return err
			}

			if once {
				return runCleanup(cmd.Context(), a.logger, handle.cleanup)
			}

			return scheduleCleanup(cmd.Context(), a.logger, schedule, handle.cleanup)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Run a single pass and exit")
	cmd.Flags().StringVar(&schedule, "schedule", "", "Cron schedule (overrides BOXRELAY_CLEANUP_SCHEDULE)")

	return cmd
}

func runCleanup(ctx context.Context, logger boxrelay.Logger, cleanup cleanupFunc) error {
	removed, err := cleanup(ctx)
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	for box, n := range removed {
		logger.Info("boxrelay cleanup done", "box", box, "removed", n)
	}

	return nil
}

// scheduleCleanup runs cleanup on spec until ctx is done. Passes never overlap.
func scheduleCleanup(ctx context.Context, logger boxrelay.Logger, spec string, cleanup cleanupFunc) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(spec, func() {
		if err := runCleanup(ctx, logger, cleanup); err != nil {
			logger.Warn("boxrelay cleanup failed", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("cleanup schedule %q: %w", spec, err)
	}

	logger.Info("boxrelay cleanup scheduled", "schedule", spec)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()

	return nil
}
