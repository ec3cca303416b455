// Package main provides approvalctl, the operator CLI for the timesheet
// approval service. It talks to the same database and secret as the server.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"timesheet-approval-service/internal/config"
)

var version = "dev"

// app carries what every subcommand needs once flags are parsed
type app struct {
	cfg    *config.Config
	logger *logrus.Logger
	out    io.Writer
}

func (a *app) openDB() (*gorm.DB, error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, err
	}
	return config.InitDB(a.cfg)
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	var verbose bool

	root := &cobra.Command{
		Use:           "approvalctl",
		Short:         "Operate the timesheet approval service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			a.cfg = config.Load()
			a.out = cmd.OutOrStdout()

			a.logger = logrus.New()
			a.logger.SetOutput(cmd.ErrOrStderr())
			a.logger.SetLevel(a.cfg.LogrusLevel())
			if verbose {
				a.logger.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	root.AddCommand(newTokenCmd(a))
	root.AddCommand(newOutboxCmd(a))
	root.AddCommand(newMigrateCmd(a))
	root.AddCommand(newSeedCmd(a))
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
