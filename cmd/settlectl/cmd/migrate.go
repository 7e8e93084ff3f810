package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wizardbeardstudio/open-settle-go/internal/store/postgres"
)

var errNoDatabase = errors.New("db.url is not configured")

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the database schema",
	}

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.DB.URL == "" {
				return errNoDatabase
			}
			return postgres.MigrateUp(cfg.DB.URL, opts.logger(cfg))
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.DB.URL == "" {
				return errNoDatabase
			}
			if err := postgres.MigrateDown(cfg.DB.URL, steps); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "rolled back")
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back; 0 rolls back everything")
	migrateCmd.AddCommand(down)
	return migrateCmd
}
