package main

import (
	"errors"
	"os"
	"strconv"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/R3E-Network/confidential_layer/internal/app/storage/postgres"
	"github.com/R3E-Network/confidential_layer/internal/cli"
	"github.com/R3E-Network/confidential_layer/internal/platform/migrations"
)

func newMigrateCmd() *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the postgres schema",
	}
	cmd.PersistentFlags().StringVar(&dsn, "dsn", os.Getenv("DATABASE_URL"), "postgres DSN ($DATABASE_URL)")

	withDB := func(fn func(args []string, db *sqlx.DB) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				return errors.New("--dsn is required")
			}
			db, err := postgres.Open(dsn, 2, 1, 0)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := fn(args, db); err != nil {
				return err
			}
			version, dirty, err := migrations.Version(db.DB)
			if err != nil {
				return err
			}
			out := cli.NewPrinter(cmd.OutOrStdout())
			if dirty {
				out.Warning("schema version %d is dirty", version)
				return nil
			}
			out.Success("schema version %d", version)
			return nil
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: withDB(func(_ []string, db *sqlx.DB) error {
				return migrations.Up(db.DB)
			}),
		},
		&cobra.Command{
			Use:   "down [steps]",
			Short: "Roll back migrations, one step by default",
			Args:  cobra.MaximumNArgs(1),
			RunE: withDB(func(args []string, db *sqlx.DB) error {
				steps := 1
				if len(args) == 1 {
					n, err := strconv.Atoi(args[0])
					if err != nil || n < 1 {
						return errors.New("steps must be a positive integer")
					}
					steps = n
				}
				return migrations.Down(db.DB, steps)
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied schema version",
			RunE: withDB(func([]string, *sqlx.DB) error {
				return nil
			}),
		},
	)
	return cmd
}
