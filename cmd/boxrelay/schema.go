package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/velmie/boxrelay/internal/config"
	"github.com/velmie/boxrelay/mysql"
	"github.com/velmie/boxrelay/postgres"
)

func newSchemaCmd(flags *rootFlags) *cobra.Command {
	var store string

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the DDL of every configured box",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := flags.boxes
			if path == "" {
				path = os.Getenv("BOXRELAY_BOXES_FILE")
			}
			if path == "" {
				path = "boxes.yaml"
			}
			boxes, err := config.LoadBoxes(path)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, spec := range boxes.Boxes {
				table := spec.BoxConfig().Table
				if table == "" {
					table = spec.Name
				}
				ddl, err := schemaFor(store, table)
				if err != nil {
					return fmt.Errorf("box %s: %w", spec.Name, err)
				}
				fmt.Fprintf(out, "-- box %s\n%s\n\n", spec.Name, ddl)
			}

			return nil
		},
	}
	cmd.Flags().StringVar(&store, "store", config.StorePostgres, "Store dialect: postgres or mysql")

	return cmd
}

func schemaFor(store, table string) (string, error) {
	switch store {
	case config.StorePostgres:
		return postgres.Schema(table)
	case config.StoreMySQL:
		return mysql.Schema(table)
	default:
		return "", fmt.Errorf("unknown store %q", store)
	}
}
