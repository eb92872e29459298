package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"habit-sync/internal/app"
	"habit-sync/internal/ledger"
)

func newHabitCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "habit",
		Short: "Manage habits of the current user",
	}

	cmd.AddCommand(newHabitAddCommand(opts))
	cmd.AddCommand(newHabitListCommand(opts))
	cmd.AddCommand(newHabitDeleteCommand(opts))
	return cmd
}

func newHabitAddCommand(opts *rootOptions) *cobra.Command {
	var (
		id       string
		goal     int64
		schedule string
		start    string
	)

	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Create a habit",
		Long: `Create a habit.

Examples:
  habit-sync habit add "Read" --goal 20
  habit-sync habit add "Gym" --schedule mon,wed,fri --start 2024-03-01`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			days, err := parseSchedule(schedule)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				userID, err := a.Identity.CurrentUser()
				if err != nil {
					return err
				}
				h, err := a.Ledger.CreateHabit(userID, ledger.HabitInput{
					ID:        id,
					Name:      args[0],
					Schedule:  days,
					Goal:      goal,
					StartDate: start,
				})
				if err != nil {
					return err
				}
				return output(opts, cmd.OutOrStdout(), h, func(w io.Writer) {
					fmt.Fprintf(w, "✓ Created habit %s (%s)\n", h.Name, h.ID)
				})
			})
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "habit id (default: generated)")
	cmd.Flags().Int64Var(&goal, "goal", 1, "daily goal")
	cmd.Flags().StringVar(&schedule, "schedule", "", "weekdays, e.g. mon,wed,fri (default: every day)")
	cmd.Flags().StringVar(&start, "start", "", "first day, YYYY-MM-DD (default: today)")
	return cmd
}

func newHabitListCommand(opts *rootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List habits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				userID, err := a.Identity.CurrentUser()
				if err != nil {
					return err
				}
				habits, err := a.Ledger.Habits(userID, all)
				if err != nil {
					return err
				}
				return output(opts, cmd.OutOrStdout(), habits, func(w io.Writer) {
					if len(habits) == 0 {
						fmt.Fprintln(w, "No habits found.")
						return
					}
					for _, h := range habits {
						fmt.Fprintf(w, "%s  %s\n", h.ID, h.Name)
						fmt.Fprintf(w, "  Goal: %d, schedule: %07b, since %s\n", h.Goal, h.Schedule, h.StartDate)
						if h.Deleted {
							fmt.Fprintf(w, "  Deleted: %s\n", h.DeletedAt)
						}
					}
				})
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "include deleted habits")
	return cmd
}

func newHabitDeleteCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a habit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				userID, err := a.Identity.CurrentUser()
				if err != nil {
					return err
				}
				if err := a.Ledger.DeleteHabit(userID, args[0]); err != nil {
					return err
				}
				return output(opts, cmd.OutOrStdout(), map[string]string{"deleted": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "✓ Deleted habit %s\n", args[0])
				})
			})
		},
	}
}
