package main

import (
	"github.com/spf13/cobra"
)

type rootFlags struct {
	boxes string
}

func newRootCmd() *cobra.Command {
	var flags rootFlags

	root := &cobra.Command{
		Use:           "boxrelay",
		Short:         "Transactional outbox and inbox relay",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.boxes, "boxes", "", "Boxes file (overrides BOXRELAY_BOXES_FILE)")

	root.AddCommand(
		newWorkerCmd(&flags),
		newCleanupCmd(&flags),
		newSchemaCmd(&flags),
		newMigrateCmd(),
	)

	return root
}
