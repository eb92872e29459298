package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"habit-sync/internal/app"
	"habit-sync/internal/config"
)

// rootOptions holds global flags for all commands
type rootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
}

var validFormats = []string{"text", "json"}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "habit-sync",
		Short: "Operate the local habit event log",
		Long: `Operator commands for the local habit event log: run the legacy
migration, force a sync cycle, collapse duplicates and inspect progress.

Configuration is read from the environment exactly as the daemon reads it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}

			// Only errors unless asked otherwise
			level := slog.LevelError
			if opts.Verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newDedupCommand(opts))
	cmd.AddCommand(newStreakCommand(opts))
	cmd.AddCommand(newLogCommand(opts))
	cmd.AddCommand(newHabitCommand(opts))
	cmd.AddCommand(newAccountCommand(opts))

	return cmd
}

// withApp loads configuration, opens the stores and runs fn against them
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := app.Open(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

// output writes v as indented JSON, or calls text for the text format
func output(opts *rootOptions, w io.Writer, v any, text func(w io.Writer)) error {
	if opts.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
