package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"timesheet-approval-service/internal/repository"
	"timesheet-approval-service/internal/tokens"
)

// inspection is what `token inspect` prints
type inspection struct {
	Valid   bool            `json:"valid"`
	Reason  string          `json:"reason,omitempty"`
	Payload *tokens.Payload `json:"payload,omitempty"`
	Stored  *bool           `json:"stored,omitempty"`
	Used    *bool           `json:"used,omitempty"`
}

func newTokenCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Work with action tokens",
	}
	cmd.AddCommand(newTokenInspectCmd(a))
	return cmd
}

func newTokenInspectCmd(a *app) *cobra.Command {
	var checkStore bool

	cmd := &cobra.Command{
		Use:   "inspect <token>",
		Short: "Verify a token with TOKEN_SECRET and print its payload",
		Long: `Verify a token's signature and expiry with TOKEN_SECRET and print the
decoded payload. With --store the token record is looked up as well, which
shows whether the link has already been used.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.TokenSecret == "" {
				return errors.New("TOKEN_SECRET is not set")
			}
			svc := tokens.NewService([]byte(a.cfg.TokenSecret), a.cfg.ActionTokenTTL, a.cfg.ViewTokenTTL, nil)

			result := inspection{}
			payload, err := svc.Validate(args[0])
			if err != nil {
				result.Reason = tokens.Reason(err)
			} else {
				result.Valid = true
				result.Payload = payload
			}

			if checkStore && payload != nil {
				if err := lookupToken(cmd.Context(), a, payload, &result); err != nil {
					return err
				}
			}

			enc := json.NewEncoder(a.out)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().BoolVar(&checkStore, "store", false, "Also report whether the token record exists and was used")
	return cmd
}

func lookupToken(ctx context.Context, a *app, payload *tokens.Payload, result *inspection) error {
	db, err := a.openDB()
	if err != nil {
		return err
	}
	defer closeDB(db)

	stored, used := false, false
	record, err := repository.NewApprovalRepository(db).GetToken(ctx, payload.ID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
	case err != nil:
		return fmt.Errorf("look up token: %w", err)
	default:
		stored = true
		used = record.IsUsed()
	}
	result.Stored = &stored
	result.Used = &used
	return nil
}
