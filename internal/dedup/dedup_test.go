package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"habit-sync/internal/database"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func TestSurvivorRules(t *testing.T) {
	base := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)

	t.Run("HabitMostRecentlyUpdated", func(t *testing.T) {
		rows := []*database.Habit{
			{RowID: 1, Name: "old", UpdatedAt: base},
			{RowID: 2, Name: "new", UpdatedAt: base.Add(time.Hour)},
			{RowID: 3, Name: "mid", UpdatedAt: base.Add(time.Minute)},
		}
		assert.Equal(t, "new", HabitSurvivor(rows).Name)
	})

	t.Run("HabitTieGoesToNewestRow", func(t *testing.T) {
		rows := []*database.Habit{
			{RowID: 7, UpdatedAt: base},
			{RowID: 9, UpdatedAt: base},
		}
		assert.Equal(t, int64(9), HabitSurvivor(rows).RowID)
	})

	t.Run("CompletionFallsBackToCreatedAt", func(t *testing.T) {
		rows := []*database.CompletionRecord{
			{RowID: 1, CreatedAt: base, UpdatedAt: timePtr(base.Add(time.Minute))},
			{RowID: 2, CreatedAt: base.Add(time.Hour)},
		}
		assert.Equal(t, int64(2), CompletionSurvivor(rows).RowID)

		rows[0].UpdatedAt = timePtr(base.Add(2 * time.Hour))
		assert.Equal(t, int64(1), CompletionSurvivor(rows).RowID)
	})

	t.Run("AwardHighestXPThenNewest", func(t *testing.T) {
		rows := []*database.DailyAward{
			{RowID: 1, XPGranted: 50, CreatedAt: base.Add(time.Hour)},
			{RowID: 2, XPGranted: 75, CreatedAt: base},
			{RowID: 3, XPGranted: 75, CreatedAt: base.Add(time.Minute)},
		}
		assert.Equal(t, int64(3), AwardSurvivor(rows).RowID)
	})

	t.Run("Empty", func(t *testing.T) {
		assert.Nil(t, HabitSurvivor(nil))
		assert.Nil(t, CompletionSurvivor(nil))
		assert.Nil(t, AwardSurvivor(nil))
	})
}

func seedDuplicates(t *testing.T, db *database.DB, base time.Time) {
	t.Helper()
	err := db.Update(func(tx *database.Tx) error {
		for i, name := range []string{"Read", "Read daily"} {
			h := &database.Habit{
				ID: "h-1", UserID: "user-1", Name: name, Schedule: database.EveryDay, Goal: 1,
				StartDate: "2024-01-01", CreatedAt: base, UpdatedAt: base.Add(time.Duration(i) * time.Hour),
			}
			if err := tx.InsertHabit(h); err != nil {
				return err
			}
		}
		for i := 0; i < 3; i++ {
			r := &database.CompletionRecord{
				ID: "c", UserID: "user-1", HabitID: "h-1", DateKey: "2024-03-10",
				Value: int64(i), CreatedAt: base.Add(time.Duration(i) * time.Minute),
			}
			if err := tx.InsertCompletionRecord(r); err != nil {
				return err
			}
		}
		for _, xp := range []int64{50, 80} {
			a := &database.DailyAward{
				ID: "a", UserID: "user-1", DateKey: "2024-03-10",
				XPGranted: xp, AllHabitsCompleted: true, CreatedAt: base,
			}
			if err := tx.InsertDailyAward(a); err != nil {
				return err
			}
		}
		// A different day with a single award is left alone
		return tx.InsertDailyAward(&database.DailyAward{
			ID: "b", UserID: "user-1", DateKey: "2024-03-11", XPGranted: 50, AllHabitsCompleted: true, CreatedAt: base,
		})
	})
	require.NoError(t, err)
}

func TestRunCollapsesDuplicates(t *testing.T) {
	db := openTestDB(t)
	base := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)
	seedDuplicates(t, db, base)

	m := NewManager(db)
	report, err := m.Run()
	require.NoError(t, err)
	assert.Equal(t, Report{Habits: 1, Completions: 2, Awards: 1}, report)

	habits, err := db.ListHabits("user-1")
	require.NoError(t, err)
	require.Len(t, habits, 1)
	assert.Equal(t, "Read daily", habits[0].Name)

	records, err := db.ListCompletionRecords("user-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(2), records[0].Value)

	awards, err := db.ListDailyAwards("user-1")
	require.NoError(t, err)
	require.Len(t, awards, 2)
	assert.Equal(t, int64(80), awards[0].XPGranted)
}

func TestRunIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	seedDuplicates(t, db, time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC))

	m := NewManager(db)
	first, err := m.Run()
	require.NoError(t, err)
	assert.NotZero(t, first.Total())

	second, err := m.Run()
	require.NoError(t, err)
	assert.Zero(t, second.Total())
}

func TestResolveInsideTransaction(t *testing.T) {
	db := openTestDB(t)
	seedDuplicates(t, db, time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC))

	err := db.Update(func(tx *database.Tx) error {
		a, err := ResolveAward(tx, database.AwardKey{UserID: "user-1", DateKey: "2024-03-10"})
		require.NoError(t, err)
		require.NotNil(t, a)
		assert.Equal(t, int64(80), a.XPGranted)

		// The lookup that raised the duplicate now succeeds
		again, err := tx.GetDailyAward(database.AwardKey{UserID: "user-1", DateKey: "2024-03-10"})
		require.NoError(t, err)
		assert.Equal(t, a.RowID, again.RowID)

		missing, err := ResolveCompletion(tx, database.CompletionKey{UserID: "user-1", HabitID: "nope", DateKey: "2024-03-10"})
		require.NoError(t, err)
		assert.Nil(t, missing)
		return nil
	})
	require.NoError(t, err)
}
