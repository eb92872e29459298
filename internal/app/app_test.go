package app

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"habit-sync/internal/config"
	"habit-sync/internal/database"
	"habit-sync/internal/ledger"
	"habit-sync/internal/legacy"
	"habit-sync/internal/remote"
)

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		DatabasePath:        filepath.Join(dir, "local.db"),
		BackupDir:           filepath.Join(dir, "backups"),
		Timezone:            "UTC",
		RemoteBackend:       config.BackendMemory,
		SyncBatchSize:       50,
		SyncDebounce:        time.Hour,
		SyncInterval:        time.Hour,
		SyncBatchTimeout:    time.Second,
		SyncPullMonths:      1,
		SyncCircuitCooldown: time.Minute,
		StreakLookbackDays:  365,
		DailyAwardXP:        10,
		HabitRetention:      time.Hour,
	}
}

func TestOpenWiresComponents(t *testing.T) {
	cfg := testConfig(t)

	a, err := Open(context.Background(), cfg, slog.Default())
	require.NoError(t, err)
	defer a.Close()

	assert.NotEmpty(t, a.DeviceID)
	assert.NotNil(t, a.Remote)
	assert.Nil(t, a.Legacy)
	assert.Equal(t, int64(10), a.Ledger.AwardXP())
	assert.Equal(t, 365, a.Streaks.Lookback())

	// No legacy store means nothing to migrate
	result, err := a.Migration.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)
}

func TestOpenKeepsDeviceID(t *testing.T) {
	cfg := testConfig(t)

	a, err := Open(context.Background(), cfg, slog.Default())
	require.NoError(t, err)
	first := a.DeviceID
	require.NoError(t, a.Close())

	a, err = Open(context.Background(), cfg, slog.Default())
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, first, a.DeviceID)
}

func TestSignedInDeviceSyncs(t *testing.T) {
	cfg := testConfig(t)
	cfg.LegacyDatabasePath = filepath.Join(filepath.Dir(cfg.DatabasePath), "legacy.db")

	a, err := Open(context.Background(), cfg, slog.Default())
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.Legacy)
	require.NoError(t, a.Legacy.SaveHabit(&legacy.Habit{HabitID: "h-1", Name: "Read", Schedule: 127, Goal: 1, StartDate: "2024-03-01"}))

	require.NoError(t, a.DB.UpsertAccount(&database.Account{UserID: "user-1", DisplayName: "Sam"}))
	require.NoError(t, a.DB.ActivateAccount("user-1"))

	result, err := a.Migration.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Habits)

	_, err = a.Ledger.Append(ledger.NewEvent{UserID: "user-1", HabitID: "h-1", EventType: database.EventTypeIncrement, ProgressDelta: 1})
	require.NoError(t, err)

	report, err := a.Sync.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "user-1", report.UserID)
	assert.Equal(t, 1, report.Pushed)
	assert.Equal(t, 1, report.HabitsPushed)

	docs, err := a.Remote.List(context.Background(), remote.HabitCollection("user-1"))
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}
