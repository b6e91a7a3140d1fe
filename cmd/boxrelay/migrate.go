package main

import (
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose"
	"github.com/spf13/cobra"

	"github.com/velmie/boxrelay/internal/config"
)

func newMigrateCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:       "migrate [up|down|status|version]",
		Short:     "Run goose migrations against the configured store",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "status", "version"},
		RunE: func(_ *cobra.Command, args []string) error {
			command := "up"
			if len(args) == 1 {
				command = args[0]
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			driver, dialect := migrationDriver(cfg.Store)
			if err := goose.SetDialect(dialect); err != nil {
				return fmt.Errorf("goose dialect: %w", err)
			}

			db, err := sql.Open(driver, cfg.DSN())
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer db.Close()

			if err := goose.Run(command, db, dir); err != nil {
				return fmt.Errorf("migrate %s: %w", command, err)
			}

			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "migrations", "Directory with goose migrations")

	return cmd
}

// migrationDriver returns the database/sql driver and goose dialect of store.
func migrationDriver(store string) (driver, dialect string) {
	if store == config.StoreMySQL {
		return "mysql", "mysql"
	}

	return "pgx", "postgres"
}
