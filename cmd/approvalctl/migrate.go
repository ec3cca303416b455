package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"timesheet-approval-service/internal/config"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openDB()
			if err != nil {
				return err
			}
			defer closeDB(db)

			if err := config.Migrate(db); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "migrations applied")
			return nil
		},
	}
}
