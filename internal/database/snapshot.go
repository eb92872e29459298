package database

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"habit-sync/internal/metrics"
)

// Snapshot is a copy of a user's mutable tables, taken before a migration so
// that a failed run can put them back exactly
type Snapshot struct {
	UserID      string              `cbor:"user_id"`
	Habits      []*Habit            `cbor:"habits"`
	Completions []*CompletionRecord `cbor:"completions"`
	Awards      []*DailyAward       `cbor:"awards"`
}

// Snapshot reads the user's habits, completion records and awards
func (t *Tx) Snapshot(userID string) (*Snapshot, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpSnapshot))
	defer timer.ObserveDuration()

	habits, err := t.ListHabits(userID)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpSnapshot).Inc()
		return nil, err
	}

	completions, err := queryCompletionRecords(t.tx, `SELECT `+completionColumns+` FROM completion_records
		WHERE user_id = ? ORDER BY row_id`, userID)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpSnapshot).Inc()
		return nil, err
	}

	awards, err := queryDailyAwards(t.tx, `SELECT `+awardColumns+` FROM daily_awards
		WHERE user_id = ? ORDER BY row_id`, userID)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpSnapshot).Inc()
		return nil, err
	}

	return &Snapshot{UserID: userID, Habits: habits, Completions: completions, Awards: awards}, nil
}

// Restore replaces the user's habits, completion records and awards with the
// snapshot contents, keeping the original surrogate ids
func (t *Tx) Restore(s *Snapshot) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpRestore))
	defer timer.ObserveDuration()

	fail := func(err error) error {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpRestore).Inc()
		return err
	}

	for _, table := range []string{"habits", "completion_records", "daily_awards"} {
		if _, err := t.tx.Exec(`DELETE FROM `+table+` WHERE user_id = ?`, s.UserID); err != nil {
			return fail(fmt.Errorf("failed to clear %s: %w", table, err))
		}
	}

	for _, h := range s.Habits {
		_, err := t.tx.Exec(`
			INSERT INTO habits (row_id, id, user_id, name, schedule, goal, start_date, deleted, deleted_at,
				synced, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, h.RowID, h.ID, h.UserID, h.Name, h.Schedule, h.Goal, h.StartDate, h.Deleted, nullableMillis(h.DeletedAt),
			h.Synced, millis(h.CreatedAt), millis(h.UpdatedAt))
		if err != nil {
			return fail(fmt.Errorf("failed to restore habit: %w", err))
		}
	}

	for _, r := range s.Completions {
		timestamps, err := encodeTimestamps(r.CompletionTimestamps)
		if err != nil {
			return fail(err)
		}
		_, err = t.tx.Exec(`
			INSERT INTO completion_records (row_id, id, user_id, habit_id, date_key, value, is_completed,
				completion_timestamps, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, r.RowID, r.ID, r.UserID, r.HabitID, r.DateKey, r.Value, r.IsCompleted,
			timestamps, millis(r.CreatedAt), nullableMillis(r.UpdatedAt))
		if err != nil {
			return fail(fmt.Errorf("failed to restore completion record: %w", err))
		}
	}

	for _, a := range s.Awards {
		_, err := t.tx.Exec(`
			INSERT INTO daily_awards (row_id, id, user_id, date_key, xp_granted, all_habits_completed, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, a.RowID, a.ID, a.UserID, a.DateKey, a.XPGranted, a.AllHabitsCompleted, millis(a.CreatedAt))
		if err != nil {
			return fail(fmt.Errorf("failed to restore daily award: %w", err))
		}
	}

	return nil
}
