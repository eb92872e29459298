package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"habit-sync/internal/app"
	"habit-sync/internal/database"
	"habit-sync/internal/datekey"
	"habit-sync/internal/migration"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Migrate the legacy store into the event log",
		Long: `Run the one-time legacy migration: back up both stores, synthesize one
event per stored day, validate the projected totals and mark the migration
complete. Any failure restores the backup.

Examples:
  LEGACY_DATABASE_PATH=./legacy.db habit-sync migrate
  habit-sync migrate --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				result, runErr := a.Migration.Run(ctx)
				if runErr != nil && result.FailedStage == "" {
					return runErr
				}
				err := output(opts, cmd.OutOrStdout(), result, func(w io.Writer) {
					printMigration(w, result)
				})
				if runErr != nil {
					return runErr
				}
				return err
			})
		},
	}
}

func printMigration(w io.Writer, r migration.Result) {
	if r.Skipped {
		fmt.Fprintf(w, "Migration skipped: %s\n", r.Reason)
		return
	}
	if r.FailedStage != "" {
		fmt.Fprintf(w, "✗ Migration failed at %s and was rolled back\n", r.FailedStage)
		fmt.Fprintf(w, "  Error: %s\n", r.Error)
		if r.BackupPath != "" {
			fmt.Fprintf(w, "  Backup: %s\n", r.BackupPath)
		}
		return
	}
	fmt.Fprintf(w, "✓ Migrated %d habit(s) and %d event(s) for %s\n", r.Habits, r.Events, r.UserID)
	fmt.Fprintf(w, "  XP: %d\n", r.XP)
	fmt.Fprintf(w, "  Streak: %d day(s)\n", r.Streak)
	fmt.Fprintf(w, "  Backup: %s\n", r.BackupPath)
}

func newSyncCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				report, syncErr := a.Sync.SyncNow(ctx)
				err := output(opts, cmd.OutOrStdout(), report, func(w io.Writer) {
					fmt.Fprintf(w, "Sync %s (%s)\n", report.Outcome, report.Duration)
					fmt.Fprintf(w, "  Pushed: %d, already synced: %d, skipped: %d, failed batches: %d\n",
						report.Pushed, report.AlreadySynced, report.Skipped, report.FailedBatches)
					fmt.Fprintf(w, "  Pulled: %d\n", report.Pulled)
					fmt.Fprintf(w, "  Habits pushed: %d, pulled: %d\n", report.HabitsPushed, report.HabitsPulled)
					fmt.Fprintf(w, "  Duplicates removed: %d\n", report.Deduplicated)
					for _, e := range report.Errors {
						fmt.Fprintf(w, "  Error: %s\n", e)
					}
				})
				if syncErr != nil {
					return syncErr
				}
				return err
			})
		},
	}
}

func newDedupCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dedup",
		Short: "Collapse duplicate habits, completion records and awards",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				report, err := a.Dedup.Run()
				if err != nil {
					return err
				}
				return output(opts, cmd.OutOrStdout(), report, func(w io.Writer) {
					if report.Total() == 0 {
						fmt.Fprintln(w, "No duplicates found.")
						return
					}
					fmt.Fprintf(w, "✓ Removed %d duplicate row(s)\n", report.Total())
					fmt.Fprintf(w, "  Habits: %d\n", report.Habits)
					fmt.Fprintf(w, "  Completion records: %d\n", report.Completions)
					fmt.Fprintf(w, "  Daily awards: %d\n", report.Awards)
				})
			})
		},
	}
}

type streakResult struct {
	UserID string   `json:"user_id"`
	Date   string   `json:"date"`
	Length int      `json:"length"`
	Dates  []string `json:"dates"`
	XP     int64    `json:"xp"`
}

func newStreakCommand(opts *rootOptions) *cobra.Command {
	var date string

	cmd := &cobra.Command{
		Use:   "streak",
		Short: "Show the streak ending on a day",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				userID, err := a.Identity.CurrentUser()
				if err != nil {
					return err
				}
				target := date
				if target == "" {
					target = a.Days.Today()
				}

				dates, err := a.Streaks.Run(userID, target)
				if err != nil {
					return err
				}
				result := streakResult{UserID: userID, Date: target, Length: len(dates), Dates: dates}
				if len(dates) > 0 {
					result.XP, err = a.Streaks.XPBetween(userID, dates[len(dates)-1], dates[0])
					if err != nil {
						return err
					}
				}

				return output(opts, cmd.OutOrStdout(), result, func(w io.Writer) {
					fmt.Fprintf(w, "Streak on %s: %d day(s), %d XP\n", result.Date, result.Length, result.XP)
					if len(dates) > 0 {
						fmt.Fprintf(w, "  From %s\n", dates[len(dates)-1])
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "day the streak ends on, YYYY-MM-DD (default: today)")
	return cmd
}

func newLogCommand(opts *rootOptions) *cobra.Command {
	var from, to string

	cmd := &cobra.Command{
		Use:   "log",
		Short: "List progress events of the current user",
		Long: `List the progress events of the current user between two days, in the
order they fold.

Examples:
  habit-sync log
  habit-sync log --from 2024-03-01 --to 2024-03-31 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				userID, err := a.Identity.CurrentUser()
				if err != nil {
					return err
				}

				end := to
				if end == "" {
					end = a.Days.Today()
				}
				start := from
				if start == "" {
					if start, err = datekey.AddDays(end, -6); err != nil {
						return err
					}
				}
				if !datekey.Valid(start) || !datekey.Valid(end) {
					return fmt.Errorf("invalid date range %q to %q", start, end)
				}

				events, err := a.DB.ListEvents(userID, start, end)
				if err != nil {
					return err
				}
				if events == nil {
					events = []*database.ProgressEvent{}
				}

				return output(opts, cmd.OutOrStdout(), events, func(w io.Writer) {
					if len(events) == 0 {
						fmt.Fprintf(w, "No events between %s and %s.\n", start, end)
						return
					}
					for _, e := range events {
						state := "pending"
						if e.Synced {
							state = "synced"
						}
						fmt.Fprintf(w, "%s  %s  %-16s %+d  %s  %s  %s\n",
							e.DateKey, e.HabitID, e.EventType, e.ProgressDelta, e.Source, e.DeviceID, state)
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "first day, YYYY-MM-DD (default: a week before --to)")
	cmd.Flags().StringVar(&to, "to", "", "last day, YYYY-MM-DD (default: today)")
	return cmd
}

// parseSchedule reads a comma separated list of weekday abbreviations
func parseSchedule(s string) (database.Schedule, error) {
	if s == "" {
		return database.EveryDay, nil
	}
	names := map[string]int{"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6}
	var schedule database.Schedule
	for _, part := range strings.Split(s, ",") {
		d, ok := names[strings.ToLower(strings.TrimSpace(part))]
		if !ok {
			return 0, fmt.Errorf("unknown weekday %q", part)
		}
		schedule |= 1 << uint(d)
	}
	return schedule, nil
}
