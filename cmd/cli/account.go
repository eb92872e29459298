package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"habit-sync/internal/app"
	"habit-sync/internal/database"
)

func newAccountCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Switch the signed-in account",
	}

	cmd.AddCommand(newAccountUseCommand(opts))
	cmd.AddCommand(newAccountGuestCommand(opts))
	return cmd
}

func newAccountUseCommand(opts *rootOptions) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "use USER_ID",
		Short: "Sign in as USER_ID, creating the account if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				account := &database.Account{UserID: args[0], DisplayName: name}
				if err := a.DB.UpsertAccount(account); err != nil {
					return err
				}
				if err := a.DB.ActivateAccount(args[0]); err != nil {
					return err
				}
				return output(opts, cmd.OutOrStdout(), map[string]string{"user_id": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "✓ Signed in as %s\n", args[0])
				})
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

func newAccountGuestCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "guest",
		Short: "Sign out, leaving the device in guest mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.DB.ActivateAccount(""); err != nil {
					return err
				}
				return output(opts, cmd.OutOrStdout(), map[string]string{"user_id": ""}, func(w io.Writer) {
					fmt.Fprintln(w, "✓ Signed out")
				})
			})
		},
	}
}
