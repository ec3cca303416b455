package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"timesheet-approval-service/internal/notifications"
	"timesheet-approval-service/internal/repository"
	"timesheet-approval-service/internal/seeders"
	"timesheet-approval-service/internal/services"
	"timesheet-approval-service/internal/tokens"
)

func newSeedCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Submit demo timesheets for local development",
		Long: `Submit a few demo timesheets as demo-alice so the inbox and the
approval emails have something to show. Refuses to run in production.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.IsProduction() {
				return errors.New("refusing to seed demo data in production")
			}
			db, err := a.openDB()
			if err != nil {
				return err
			}
			defer closeDB(db)

			secret, err := a.cfg.Secret(a.logger)
			if err != nil {
				return err
			}
			repo := repository.NewApprovalRepository(db)
			tokenService := tokens.NewService(secret, a.cfg.ActionTokenTTL, a.cfg.ViewTokenTTL, nil)
			dispatcher, err := notifications.NewDispatcher(tokenService, a.cfg.AppBaseURL, a.logger)
			if err != nil {
				return err
			}
			engine := services.NewEngine(repo, tokenService, dispatcher, a.logger)
			svc := services.NewApprovalService(repo, engine, dispatcher, services.Options{Logger: a.logger})

			n, err := seeders.SeedDemoTimesheets(cmd.Context(), svc, mondayOf(time.Now()), a.logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "seeded %d timesheet(s)\n", n)
			return nil
		},
	}
}

func mondayOf(t time.Time) time.Time {
	t = t.UTC()
	offset := (int(t.Weekday()) + 6) % 7
	return time.Date(t.Year(), t.Month(), t.Day()-offset, 0, 0, 0, 0, time.UTC)
}
