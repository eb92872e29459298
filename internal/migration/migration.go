// Package migration moves the flat legacy store into the event log, once,
// with a validated rollback path.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/ksuid"

	"habit-sync/internal/database"
	"habit-sync/internal/identity"
	"habit-sync/internal/ledger"
	"habit-sync/internal/legacy"
	"habit-sync/internal/metrics"
	"habit-sync/internal/streak"
)

// ErrValidation means the migrated views disagree with the legacy store
var ErrValidation = errors.New("migration validation failed")

// ErrBlocked means a rollback failed and local data needs manual repair
var ErrBlocked = errors.New("migration is blocked")

// DeviceID is recorded on every event synthesized from legacy records
const DeviceID = "legacy-migration"

// stageFlags are cleared by a rollback. The completion flag is not among
// them: once set, nothing rolls back.
var stageFlags = []string{
	database.FlagMigrationBackedUp,
	database.FlagMigrationTransformed,
	database.FlagMigrationValidated,
	database.FlagMigrationCommitted,
}

// Result describes one Run
type Result struct {
	Skipped    bool   `json:"skipped"`
	Reason     string `json:"reason,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	BackupPath string `json:"backup_path,omitempty"`
	Habits     int    `json:"habits"`
	Events     int    `json:"events"`
	XP         int64  `json:"xp"`
	Streak     int    `json:"streak"`

	// Set when a stage failed and the run was rolled back
	FailedStage string `json:"failed_stage,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Controller runs the migration. It expects exclusive use of the legacy
// store and the event log while Run is in progress, so it runs before the
// sync coordinator starts.
type Controller struct {
	db        *database.DB
	legacy    *legacy.Store
	ledger    *ledger.Ledger
	identity  identity.Provider
	streaks   *streak.Calculator
	backupDir string
	logger    *slog.Logger
	now       func() time.Time
	hook      func(stage string) error

	mu sync.Mutex
}

type Option func(*Controller)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithStageHook runs hook before every stage; an error fails that stage
func WithStageHook(hook func(stage string) error) Option {
	return func(c *Controller) { c.hook = hook }
}

// NewController creates a migration controller. store may be nil when the
// device never had a legacy store.
func NewController(db *database.DB, store *legacy.Store, l *ledger.Ledger, ids identity.Provider, streaks *streak.Calculator, backupDir string, opts ...Option) *Controller {
	c := &Controller{
		db:        db,
		legacy:    store,
		ledger:    l,
		identity:  ids,
		streaks:   streaks,
		backupDir: backupDir,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// run carries state between the stages of one Run
type run struct {
	userID     string
	legacy     *legacy.Snapshot
	backupPath string
	expected   Totals
	committed  bool
	result     Result
}

type stage struct {
	name string
	flag string
	fn   func(*run) error
}

// Run performs the migration unless the completion flag is already set.
// Any stage failure rolls back to the backup and returns the cause.
func (c *Controller) Run(ctx context.Context) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	done, err := c.db.GetFlag(database.FlagMigrationComplete)
	if err != nil {
		return Result{}, err
	}
	if done {
		return c.skip("already complete"), nil
	}

	blocked, err := c.db.GetFlag(database.FlagMigrationBlocked)
	if err != nil {
		return Result{}, err
	}
	if blocked {
		return Result{}, ErrBlocked
	}

	if c.legacy == nil {
		return c.skip("no legacy store"), nil
	}

	userID, err := c.identity.CurrentUser()
	if err != nil {
		return Result{}, err
	}
	if identity.IsGuest(userID) {
		return c.skip("guest"), nil
	}

	r := &run{userID: userID, result: Result{UserID: userID}}
	stages := []stage{
		{metrics.StageBackup, database.FlagMigrationBackedUp, c.backup},
		{metrics.StageTransform, database.FlagMigrationTransformed, c.transform},
		{metrics.StageValidate, database.FlagMigrationValidated, c.validate},
		{metrics.StageCommit, database.FlagMigrationCommitted, c.commit},
		{metrics.StageMarkComplete, database.FlagMigrationComplete, c.markComplete},
	}

	c.logger.Info("Starting legacy migration", "user_id", userID)

	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			return c.fail(r, st.name, err)
		}
		if err := c.runStage(st, r); err != nil {
			c.logger.Error("Migration stage failed", "stage", st.name, "error", err)
			return c.fail(r, st.name, fmt.Errorf("%s: %w", st.name, err))
		}
	}

	metrics.MigrationRunsTotal.WithLabelValues(metrics.MigrationCompleted).Inc()
	c.logger.Info("Legacy migration complete",
		"user_id", userID,
		"habits", r.result.Habits,
		"events", r.result.Events,
		"xp", r.result.XP,
		"streak", r.result.Streak)

	return r.result, nil
}

// fail rolls back and records the cause on the result
func (c *Controller) fail(r *run, stage string, cause error) (Result, error) {
	err := c.rollback(r, cause)
	r.result.FailedStage = stage
	r.result.Error = err.Error()
	return r.result, err
}

func (c *Controller) skip(reason string) Result {
	metrics.MigrationRunsTotal.WithLabelValues(metrics.MigrationSkipped).Inc()
	c.logger.Debug("Skipping legacy migration", "reason", reason)
	return Result{Skipped: true, Reason: reason}
}

func (c *Controller) runStage(st stage, r *run) error {
	timer := prometheus.NewTimer(metrics.MigrationStageDuration.WithLabelValues(st.name))
	defer timer.ObserveDuration()

	if c.hook != nil {
		if err := c.hook(st.name); err != nil {
			return err
		}
	}
	if err := st.fn(r); err != nil {
		return err
	}
	return c.db.SetFlag(st.flag, true)
}

// backup writes the legacy contents and the user's local views to disk
func (c *Controller) backup(r *run) error {
	snap, err := c.legacy.Snapshot()
	if err != nil {
		return err
	}
	r.legacy = snap

	var local *database.Snapshot
	err = c.db.Update(func(tx *database.Tx) error {
		var err error
		local, err = tx.Snapshot(r.userID)
		return err
	})
	if err != nil {
		return err
	}

	now := c.now()
	path := backupPath(c.backupDir, r.userID, now)
	err = WriteBackup(path, &Backup{
		Version:   backupVersion,
		CreatedAt: now,
		UserID:    r.userID,
		Legacy:    snap,
		Local:     local,
	})
	if err != nil {
		return err
	}
	r.backupPath = path
	r.result.BackupPath = path

	r.expected, err = expectedTotals(snap, c.ledger.AwardXP(), c.streaks.Lookback())
	return err
}

// transform stores the legacy habits and one event per legacy completion
func (c *Controller) transform(r *run) error {
	habits := make([]*database.Habit, 0, len(r.legacy.Habits))
	for i := range r.legacy.Habits {
		h := toHabit(&r.legacy.Habits[i])
		h.UserID = r.userID
		habits = append(habits, h)
	}
	n, err := c.ledger.ImportHabits(r.userID, habits, false)
	if err != nil {
		return err
	}
	r.result.Habits = n

	events := make([]*database.ProgressEvent, 0, len(r.legacy.Completions))
	for i := range r.legacy.Completions {
		e, err := toEvent(r.userID, &r.legacy.Completions[i])
		if err != nil {
			return err
		}
		events = append(events, e)
	}
	n, err = c.ledger.Import(events)
	if err != nil {
		return err
	}
	r.result.Events = n
	metrics.MigrationEventsCreated.Add(float64(n))
	return nil
}

// validate compares the projected views with the legacy figures
func (c *Controller) validate(r *run) error {
	got, err := c.actualTotals(r.userID, r.legacy)
	if err != nil {
		return err
	}
	if err := compare(r.expected, got); err != nil {
		return err
	}
	r.result.XP = got.XP
	r.result.Streak = got.Streak
	return nil
}

// commit marks the legacy store as migrated
func (c *Controller) commit(r *run) error {
	if err := c.legacy.SetMeta(legacy.MetaMigratedAt, c.now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	r.committed = true
	return nil
}

// markComplete has nothing to do beyond the completion flag runStage sets
func (c *Controller) markComplete(r *run) error {
	return nil
}

// rollback restores the pre-migration state. If that fails too, local
// mutations are blocked until someone repairs the data.
func (c *Controller) rollback(r *run, cause error) error {
	timer := prometheus.NewTimer(metrics.MigrationStageDuration.WithLabelValues(metrics.StageRollback))
	defer timer.ObserveDuration()

	if err := c.restore(r); err != nil {
		c.logger.Error("Migration rollback failed, blocking local changes",
			"user_id", r.userID,
			"backup", r.backupPath,
			"error", err)
		if err := c.db.SetFlag(database.FlagMigrationBlocked, true); err != nil {
			c.logger.Error("Failed to set migration blocked flag", "error", err)
		}
		metrics.MigrationRunsTotal.WithLabelValues(metrics.MigrationBlocked).Inc()
		return errors.Join(cause, fmt.Errorf("%w: rollback failed: %v", ErrBlocked, err))
	}

	metrics.MigrationRunsTotal.WithLabelValues(metrics.MigrationRolledBack).Inc()
	c.logger.Warn("Migration rolled back", "user_id", r.userID, "cause", cause)
	return fmt.Errorf("migration rolled back: %w", cause)
}

func (c *Controller) restore(r *run) error {
	var local *database.Snapshot
	if r.backupPath != "" {
		b, err := LoadBackup(r.backupPath)
		if err != nil {
			return err
		}
		if b.UserID != r.userID {
			return fmt.Errorf("backup belongs to %s, not %s", b.UserID, r.userID)
		}
		local = b.Local
	}

	err := c.db.Update(func(tx *database.Tx) error {
		if _, err := tx.DeleteMigrationEvents(r.userID); err != nil {
			return err
		}
		if local != nil {
			if err := tx.Restore(local); err != nil {
				return err
			}
		}
		for _, flag := range stageFlags {
			if err := tx.ClearFlag(flag); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if r.committed {
		return c.legacy.DeleteMeta(legacy.MetaMigratedAt)
	}
	return nil
}

func toHabit(h *legacy.Habit) *database.Habit {
	out := &database.Habit{
		ID:        h.HabitID,
		Name:      h.Name,
		Schedule:  database.Schedule(h.Schedule),
		Goal:      h.Goal,
		StartDate: h.StartDate,
		Deleted:   h.Archived,
		DeletedAt: h.ArchivedAt,
		CreatedAt: h.CreatedAt,
		UpdatedAt: h.UpdatedAt,
	}
	if out.Schedule == 0 {
		out.Schedule = database.EveryDay
	}
	if out.Goal < 1 {
		out.Goal = 1
	}
	return out
}

// toEvent reproduces a stored day as a single set_value event stamped with
// the moment it was completed, or last written
func toEvent(userID string, c *legacy.Completion) (*database.ProgressEvent, error) {
	at := c.UpdatedAt
	if c.CompletedAt != nil {
		at = *c.CompletedAt
	}

	id, err := ksuid.NewRandomWithTime(at)
	if err != nil {
		return nil, fmt.Errorf("failed to generate event id: %w", err)
	}

	return &database.ProgressEvent{
		ID:            id.String(),
		UserID:        userID,
		HabitID:       c.HabitID,
		DateKey:       c.DateKey,
		EventType:     database.EventTypeSetValue,
		ProgressDelta: c.Value,
		CreatedAt:     at,
		DeviceID:      DeviceID,
		OperationID:   "legacy-" + c.HabitID + "-" + c.DateKey,
		Source:        database.SourceMigration,
	}, nil
}
