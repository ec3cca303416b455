package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"timesheet-approval-service/internal/jobs"
	"timesheet-approval-service/internal/mailer"
	"timesheet-approval-service/internal/repository"
)

func newOutboxCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and deliver queued notification emails",
	}
	cmd.AddCommand(newOutboxStatusCmd(a))
	cmd.AddCommand(newOutboxDrainCmd(a))
	return cmd
}

func newOutboxStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Count outbox rows by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openDB()
			if err != nil {
				return err
			}
			defer closeDB(db)

			counts, err := repository.NewApprovalRepository(db).CountNotificationsByStatus(cmd.Context())
			if err != nil {
				return fmt.Errorf("count outbox: %w", err)
			}
			for _, status := range []string{"pending", "sending", "sent", "failed"} {
				fmt.Fprintf(a.out, "%-8s %d\n", status, counts[status])
			}
			return nil
		},
	}
}

func newOutboxDrainCmd(a *app) *cobra.Command {
	var maxPasses int

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Deliver due notifications now with the configured transport",
		Long: `Run outbox delivery passes until a pass sends nothing or --max-passes is
reached. Rows that fail are rescheduled with backoff exactly as the server
worker would do.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openDB()
			if err != nil {
				return err
			}
			defer closeDB(db)

			sender, err := mailer.New(a.cfg.Mail, a.logger)
			if err != nil {
				return err
			}
			job := jobs.NewOutboxJob(repository.NewApprovalRepository(db), sender, a.cfg.Outbox, a.logger)

			total := 0
			for pass := 0; pass < maxPasses; pass++ {
				n := job.RunOnce(cmd.Context())
				total += n
				if n == 0 {
					break
				}
			}
			fmt.Fprintf(a.out, "sent %d notification(s)\n", total)
			return nil
		},
	}
	cmd.Flags().IntVar(&maxPasses, "max-passes", 100, "Upper bound on delivery passes")
	return cmd
}
