package main

import (
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply store migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := setup(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.store.Migrate(cmd.Context()); err != nil {
			return err
		}
		a.logger.Info("migrations applied", "driver", a.cfg.Store.Driver)
		return nil
	},
}
