package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"habit-sync/internal/database"
	"habit-sync/internal/legacy"
	"habit-sync/internal/migration"
)

func setupEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATABASE_PATH", filepath.Join(dir, "local.db"))
	t.Setenv("BACKUP_DIR", filepath.Join(dir, "backups"))
	t.Setenv("REMOTE_BACKEND", "none")
	t.Setenv("TIMEZONE", "UTC")
	t.Setenv("LEGACY_DATABASE_PATH", "")
	t.Setenv("CONFIG_FILE", "")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestParseSchedule(t *testing.T) {
	s, err := parseSchedule("")
	require.NoError(t, err)
	assert.Equal(t, database.EveryDay, s)

	s, err = parseSchedule("mon, WED,fri")
	require.NoError(t, err)
	assert.Equal(t, database.Schedule(0b0101010), s)

	_, err = parseSchedule("mon,funday")
	assert.Error(t, err)
}

func TestInvalidFormat(t *testing.T) {
	setupEnv(t)
	_, err := run(t, "dedup", "--format", "yaml")
	assert.ErrorContains(t, err, "invalid format")
}

func TestHabitAndProgressCommands(t *testing.T) {
	setupEnv(t)

	out, err := run(t, "account", "use", "user-1", "--name", "Sam")
	require.NoError(t, err)
	assert.Contains(t, out, "Signed in as user-1")

	_, err = run(t, "habit", "add", "Read", "--id", "h-1", "--start", "2024-03-01", "--schedule", "mon,tue")
	require.NoError(t, err)
	_, err = run(t, "habit", "add", "Run", "--id", "h-2", "--start", "2024-03-01")
	require.NoError(t, err)

	_, err = run(t, "habit", "add", "Read", "--id", "h-1")
	assert.Error(t, err)

	out, err = run(t, "habit", "delete", "h-2")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted habit h-2")

	out, err = run(t, "habit", "list", "--format", "json")
	require.NoError(t, err)
	var habits []struct {
		ID       string
		Schedule uint8
	}
	require.NoError(t, json.Unmarshal([]byte(out), &habits))
	require.Len(t, habits, 1)
	assert.Equal(t, "h-1", habits[0].ID)
	assert.Equal(t, uint8(0b0000110), habits[0].Schedule)

	out, err = run(t, "habit", "list", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "h-2")

	out, err = run(t, "log", "--from", "2024-03-01", "--to", "2024-03-31")
	require.NoError(t, err)
	assert.Contains(t, out, "No events")

	out, err = run(t, "streak", "--date", "2024-03-04", "--format", "json")
	require.NoError(t, err)
	var streak streakResult
	require.NoError(t, json.Unmarshal([]byte(out), &streak))
	assert.Equal(t, "user-1", streak.UserID)
	assert.Equal(t, 0, streak.Length)

	out, err = run(t, "dedup")
	require.NoError(t, err)
	assert.Contains(t, out, "No duplicates found.")

	out, err = run(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "Migration skipped")
}

func TestMigrateReportsFailedStage(t *testing.T) {
	setupEnv(t)
	legacyPath := filepath.Join(t.TempDir(), "legacy.db")
	t.Setenv("LEGACY_DATABASE_PATH", legacyPath)

	store, err := legacy.Open(legacyPath)
	require.NoError(t, err)
	require.NoError(t, store.SaveHabit(&legacy.Habit{HabitID: "h-1", Name: "Read", Schedule: 127, Goal: 2, StartDate: "2024-03-01"}))
	// Flagged complete without the progress to back it
	require.NoError(t, store.SaveCompletion(&legacy.Completion{HabitID: "h-1", DateKey: "2024-03-05", Value: 0, Completed: true}))
	require.NoError(t, store.Close())

	_, err = run(t, "account", "use", "user-1")
	require.NoError(t, err)

	out, err := run(t, "migrate", "--format", "json")
	require.ErrorIs(t, err, migration.ErrValidation)

	var result migration.Result
	require.NoError(t, json.NewDecoder(bytes.NewReader([]byte(out))).Decode(&result))
	assert.Equal(t, "user-1", result.UserID)
	assert.Equal(t, "validate", result.FailedStage)
	assert.Contains(t, result.Error, "validation failed")

	out, err = run(t, "migrate")
	require.Error(t, err)
	assert.Contains(t, out, "Migration failed at validate")
}
