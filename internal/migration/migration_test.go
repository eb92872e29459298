package migration

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"habit-sync/internal/database"
	"habit-sync/internal/datekey"
	"habit-sync/internal/identity"
	"habit-sync/internal/ledger"
	"habit-sync/internal/legacy"
	"habit-sync/internal/metrics"
	"habit-sync/internal/streak"
)

var completedAt = time.Date(2024, 3, 1, 20, 15, 30, 250000000, time.UTC)

type fixture struct {
	db        *database.DB
	legacy    *legacy.Store
	ledger    *ledger.Ledger
	backupDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	db, err := database.Open(filepath.Join(dir, "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := legacy.Open(filepath.Join(dir, "legacy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	l := ledger.New(db, datekey.New(time.UTC), "device-a", ledger.WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))

	return &fixture{db: db, legacy: store, ledger: l, backupDir: filepath.Join(dir, "backups")}
}

func (f *fixture) controller(user string, opts ...Option) *Controller {
	return NewController(f.db, f.legacy, f.ledger, identity.Static(user), streak.NewCalculator(f.db, 365), f.backupDir, opts...)
}

// seed writes two daily habits and four days of progress. Days 1, 2 and 4
// are fully complete; on day 3 the first habit fell short.
func (f *fixture) seed(t *testing.T) {
	t.Helper()
	require.NoError(t, f.legacy.SaveHabit(&legacy.Habit{HabitID: "h-1", Name: "Read", Schedule: 127, Goal: 2, StartDate: "2024-03-01"}))
	require.NoError(t, f.legacy.SaveHabit(&legacy.Habit{HabitID: "h-2", Name: "Run", Schedule: 127, Goal: 1, StartDate: "2024-03-01"}))

	day1 := completedAt
	for _, c := range []*legacy.Completion{
		{HabitID: "h-1", DateKey: "2024-03-01", Value: 2, Completed: true, CompletedAt: &day1},
		{HabitID: "h-2", DateKey: "2024-03-01", Value: 1, Completed: true},
		{HabitID: "h-1", DateKey: "2024-03-02", Value: 3, Completed: true},
		{HabitID: "h-2", DateKey: "2024-03-02", Value: 1, Completed: true},
		{HabitID: "h-1", DateKey: "2024-03-03", Value: 1, Completed: false},
		{HabitID: "h-2", DateKey: "2024-03-03", Value: 1, Completed: true},
		{HabitID: "h-1", DateKey: "2024-03-04", Value: 2, Completed: true},
		{HabitID: "h-2", DateKey: "2024-03-04", Value: 1, Completed: true},
	} {
		require.NoError(t, f.legacy.SaveCompletion(c))
	}
}

func (f *fixture) flag(t *testing.T, key string) bool {
	t.Helper()
	v, err := f.db.GetFlag(key)
	require.NoError(t, err)
	return v
}

func TestMigrationTransformsAndValidates(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	result, err := f.controller("user-1").Run(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Equal(t, 2, result.Habits)
	assert.Equal(t, 8, result.Events)
	assert.Equal(t, int64(150), result.XP)
	assert.Equal(t, 1, result.Streak)

	for _, key := range append(stageFlags, database.FlagMigrationComplete) {
		assert.True(t, f.flag(t, key), key)
	}

	migratedAt, err := f.legacy.GetMeta(legacy.MetaMigratedAt)
	require.NoError(t, err)
	assert.NotEmpty(t, migratedAt)

	events, err := f.db.ListEvents("user-1", "2024-03-01", "2024-03-31")
	require.NoError(t, err)
	require.Len(t, events, 8)
	for _, e := range events {
		assert.Equal(t, database.SourceMigration, e.Source)
		assert.Equal(t, database.EventTypeSetValue, e.EventType)
		assert.False(t, e.Synced)
	}

	// Completion timestamps survive at sub-second precision
	records, err := f.db.ListCompletionRecords("user-1")
	require.NoError(t, err)
	require.Len(t, records, 8)
	for _, r := range records {
		if r.HabitID == "h-1" && r.DateKey == "2024-03-01" {
			require.Len(t, r.CompletionTimestamps, 1)
			assert.Equal(t, completedAt.UnixMilli(), r.CompletionTimestamps[0].UnixMilli())
		}
	}

	awards, err := f.db.AwardDatesInRange("user-1", "2024-03-01", "2024-03-31")
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-03-04", "2024-03-02", "2024-03-01"}, awards)

	// The backup holds both stores as they were
	backup, err := LoadBackup(result.BackupPath)
	require.NoError(t, err)
	assert.Equal(t, "user-1", backup.UserID)
	assert.Len(t, backup.Legacy.Habits, 2)
	assert.Len(t, backup.Legacy.Completions, 8)
	assert.Empty(t, backup.Local.Habits)
}

func TestMigrationRunsOnce(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	c := f.controller("user-1")

	_, err := c.Run(context.Background())
	require.NoError(t, err)

	result, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)

	events, err := f.db.ListEvents("user-1", "2024-03-01", "2024-03-31")
	require.NoError(t, err)
	assert.Len(t, events, 8)
}

func TestMigrationSkipsGuest(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	result, err := f.controller("").Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.False(t, f.flag(t, database.FlagMigrationComplete))
	assert.False(t, f.flag(t, database.FlagMigrationBackedUp))
}

func TestMigrationWithoutLegacyStore(t *testing.T) {
	f := newFixture(t)

	result, err := NewController(f.db, nil, f.ledger, identity.Static("user-1"), streak.NewCalculator(f.db, 365), f.backupDir).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)
}

func TestValidationMismatchRollsBack(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	// A day flagged complete without the progress to back it
	require.NoError(t, f.legacy.SaveCompletion(&legacy.Completion{HabitID: "h-1", DateKey: "2024-03-05", Value: 0, Completed: true}))

	// Local state that predates the migration must come back untouched
	_, err := f.ledger.CreateHabit("user-1", ledger.HabitInput{ID: "local-1", Name: "Stretch", StartDate: "2024-04-01"})
	require.NoError(t, err)

	result, err := f.controller("user-1").Run(context.Background())
	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, metrics.StageValidate, result.FailedStage)
	assert.Equal(t, err.Error(), result.Error)
	assert.NotEmpty(t, result.BackupPath)

	events, err := f.db.ListEvents("user-1", "2024-03-01", "2024-03-31")
	require.NoError(t, err)
	assert.Empty(t, events)

	habits, err := f.db.ListHabits("user-1")
	require.NoError(t, err)
	require.Len(t, habits, 1)
	assert.Equal(t, "local-1", habits[0].ID)

	records, err := f.db.ListCompletionRecords("user-1")
	require.NoError(t, err)
	assert.Empty(t, records)

	for _, key := range append(stageFlags, database.FlagMigrationComplete, database.FlagMigrationBlocked) {
		assert.False(t, f.flag(t, key), key)
	}
}

func TestStageFailureRollsBackCommit(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	diskFull := errors.New("disk full")
	c := f.controller("user-1", WithStageHook(func(stage string) error {
		if stage == "mark_complete" {
			return diskFull
		}
		return nil
	}))

	_, err := c.Run(context.Background())
	require.ErrorIs(t, err, diskFull)

	migratedAt, err := f.legacy.GetMeta(legacy.MetaMigratedAt)
	require.NoError(t, err)
	assert.Empty(t, migratedAt)
	assert.False(t, f.flag(t, database.FlagMigrationCommitted))
	assert.False(t, f.flag(t, database.FlagMigrationComplete))

	events, err := f.db.ListEvents("user-1", "2024-03-01", "2024-03-31")
	require.NoError(t, err)
	assert.Empty(t, events)

	// Nothing is left behind, so a later run starts clean
	result, err := f.controller("user-1").Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, result.Events)
}

func TestFailedRollbackBlocksMutations(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	c := f.controller("user-1", WithStageHook(func(stage string) error {
		if stage != "transform" {
			return nil
		}
		matches, err := filepath.Glob(filepath.Join(f.backupDir, "*.cbor"))
		if err != nil {
			return err
		}
		for _, m := range matches {
			if err := os.Remove(m); err != nil {
				return err
			}
		}
		return errors.New("interrupted")
	}))

	_, err := c.Run(context.Background())
	require.ErrorIs(t, err, ErrBlocked)
	assert.True(t, f.flag(t, database.FlagMigrationBlocked))

	_, err = f.ledger.Append(ledger.NewEvent{UserID: "user-1", HabitID: "h-1", EventType: database.EventTypeIncrement, ProgressDelta: 1})
	assert.ErrorIs(t, err, ledger.ErrMutationBlocked)

	_, err = c.Run(context.Background())
	assert.ErrorIs(t, err, ErrBlocked)
}

func TestCancelledRunRollsBack(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	ctx, cancel := context.WithCancel(context.Background())
	c := f.controller("user-1", WithStageHook(func(stage string) error {
		if stage == "validate" {
			cancel()
		}
		return nil
	}))

	_, err := c.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, f.flag(t, database.FlagMigrationComplete))

	events, err := f.db.ListEvents("user-1", "2024-03-01", "2024-03-31")
	require.NoError(t, err)
	assert.Empty(t, events)
}
