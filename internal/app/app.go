// Package app assembles the core components from configuration, for the
// daemon and the operator CLI alike.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"habit-sync/internal/config"
	"habit-sync/internal/database"
	"habit-sync/internal/datekey"
	"habit-sync/internal/dedup"
	"habit-sync/internal/identity"
	"habit-sync/internal/ledger"
	"habit-sync/internal/legacy"
	"habit-sync/internal/migration"
	"habit-sync/internal/remote"
	"habit-sync/internal/streak"
	"habit-sync/internal/syncer"
)

// App holds one instance of every component
type App struct {
	Config    *config.Config
	DeviceID  string
	DB        *database.DB
	Days      *datekey.Provider
	Identity  identity.Provider
	Ledger    *ledger.Ledger
	Remote    remote.Store
	Legacy    *legacy.Store
	Streaks   *streak.Calculator
	Dedup     *dedup.Manager
	Migration *migration.Controller
	Sync      *syncer.Coordinator
}

// Open opens the local stores and connects to the remote backend. The caller
// owns the result and must Close it.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg}

	days, err := datekey.Load(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	a.Days = days

	a.DB, err = database.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	a.DeviceID, err = a.DB.DeviceID(cfg.DeviceID)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Identity = identity.NewDBProvider(a.DB)
	a.Ledger = ledger.New(a.DB, days, a.DeviceID,
		ledger.WithAwardXP(int64(cfg.DailyAwardXP)),
		ledger.WithRetention(cfg.HabitRetention),
		ledger.WithLogger(logger))
	a.Streaks = streak.NewCalculator(a.DB, cfg.StreakLookbackDays)
	a.Dedup = dedup.NewManager(a.DB)

	if cfg.LegacyDatabasePath != "" {
		a.Legacy, err = legacy.Open(cfg.LegacyDatabasePath)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	a.Migration = migration.NewController(a.DB, a.Legacy, a.Ledger, a.Identity, a.Streaks, cfg.BackupDir,
		migration.WithLogger(logger))

	a.Remote, err = remote.Open(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to connect to remote store: %w", err)
	}

	a.Sync = syncer.NewCoordinator(a.DB, a.Ledger, a.Remote, a.Identity, a.Dedup, cfg, syncer.WithLogger(logger))
	a.Ledger.SetNotifier(a.Sync)

	return a, nil
}

// Close releases every store that was opened
func (a *App) Close() error {
	if a.Sync != nil {
		a.Sync.Stop()
	}

	var errs []error
	if a.Remote != nil {
		errs = append(errs, a.Remote.Close())
	}
	if a.Legacy != nil {
		errs = append(errs, a.Legacy.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
