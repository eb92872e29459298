package database

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"habit-sync/internal/metrics"
)

// Schedule is a weekday bitmask, bit 0 = Sunday
type Schedule uint8

// EveryDay schedules a habit on all seven weekdays
const EveryDay Schedule = 0x7f

// ScheduleOf builds a schedule from weekdays
func ScheduleOf(days ...time.Weekday) Schedule {
	var s Schedule
	for _, d := range days {
		s |= 1 << uint(d)
	}
	return s
}

// Includes reports whether the habit is due on the weekday
func (s Schedule) Includes(d time.Weekday) bool {
	return s&(1<<uint(d)) != 0
}

// Habit is the root entity progress events refer to
type Habit struct {
	RowID     int64
	ID        string
	UserID    string
	Name      string
	Schedule  Schedule
	Goal      int64
	StartDate string
	Deleted   bool
	DeletedAt *time.Time
	Synced    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HabitKey is the natural key of a Habit
type HabitKey struct {
	UserID string
	ID     string
}

func (k HabitKey) String() string {
	return k.UserID + "/" + k.ID
}

const habitColumns = `row_id, id, user_id, name, schedule, goal, start_date, deleted, deleted_at,
	synced, created_at, updated_at`

func queryHabits(q querier, query string, args ...any) ([]*Habit, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query habits: %w", err)
	}
	defer rows.Close()

	var habits []*Habit
	for rows.Next() {
		var h Habit
		var deletedAt sql.NullInt64
		var createdAt, updatedAt int64
		err := rows.Scan(
			&h.RowID, &h.ID, &h.UserID, &h.Name, &h.Schedule, &h.Goal, &h.StartDate,
			&h.Deleted, &deletedAt, &h.Synced, &createdAt, &updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan habit: %w", err)
		}
		h.DeletedAt = fromNullMillis(deletedAt)
		h.CreatedAt = fromMillis(createdAt)
		h.UpdatedAt = fromMillis(updatedAt)
		habits = append(habits, &h)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating habits: %w", err)
	}

	return habits, nil
}

// LatestHabits collapses duplicate copies of each habit to the most recently
// updated one, the same survivor deduplication keeps. Ties go to the newest row.
func LatestHabits(rows []*Habit) []*Habit {
	latest := make(map[HabitKey]*Habit, len(rows))
	for _, h := range rows {
		k := HabitKey{UserID: h.UserID, ID: h.ID}
		cur, ok := latest[k]
		if !ok || h.UpdatedAt.After(cur.UpdatedAt) || (h.UpdatedAt.Equal(cur.UpdatedAt) && h.RowID > cur.RowID) {
			latest[k] = h
		}
	}

	out := make([]*Habit, 0, len(latest))
	for _, h := range latest {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ListHabits returns every stored habit row for a user, duplicates included
func (t *Tx) ListHabits(userID string) ([]*Habit, error) {
	return listHabits(t.tx, userID)
}

// ListHabits returns every stored habit row for a user, duplicates included
func (db *DB) ListHabits(userID string) ([]*Habit, error) {
	return listHabits(db.conn, userID)
}

func listHabits(q querier, userID string) ([]*Habit, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpListHabits))
	defer timer.ObserveDuration()

	habits, err := queryHabits(q, `SELECT `+habitColumns+` FROM habits WHERE user_id = ? ORDER BY id, row_id`, userID)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpListHabits).Inc()
		return nil, err
	}
	return habits, nil
}

// FindHabits returns every stored copy of one habit
func (t *Tx) FindHabits(key HabitKey) ([]*Habit, error) {
	return queryHabits(t.tx, `SELECT `+habitColumns+` FROM habits
		WHERE user_id = ? AND id = ?
		ORDER BY row_id ASC`, key.UserID, key.ID)
}

// InsertHabit stores a habit row and sets its RowID
func (t *Tx) InsertHabit(h *Habit) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpSaveHabit))
	defer timer.ObserveDuration()

	result, err := t.tx.Exec(`
		INSERT INTO habits (id, user_id, name, schedule, goal, start_date, deleted, deleted_at,
			synced, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, h.ID, h.UserID, h.Name, h.Schedule, h.Goal, h.StartDate, h.Deleted, nullableMillis(h.DeletedAt),
		h.Synced, millis(h.CreatedAt), millis(h.UpdatedAt))
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpSaveHabit).Inc()
		return fmt.Errorf("failed to insert habit: %w", err)
	}

	h.RowID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get habit row id: %w", err)
	}

	return nil
}

// UpdateHabit overwrites a habit row identified by RowID
func (t *Tx) UpdateHabit(h *Habit) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpSaveHabit))
	defer timer.ObserveDuration()

	_, err := t.tx.Exec(`
		UPDATE habits
		SET name = ?, schedule = ?, goal = ?, start_date = ?, deleted = ?, deleted_at = ?,
		    synced = ?, updated_at = ?
		WHERE row_id = ?
	`, h.Name, h.Schedule, h.Goal, h.StartDate, h.Deleted, nullableMillis(h.DeletedAt),
		h.Synced, millis(h.UpdatedAt), h.RowID)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpSaveHabit).Inc()
		return fmt.Errorf("failed to update habit: %w", err)
	}

	return nil
}

// DeleteHabitRows hard deletes habit rows by surrogate id
func (t *Tx) DeleteHabitRows(rowIDs []int64) (int64, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpDeleteHabits))
	defer timer.ObserveDuration()

	if len(rowIDs) == 0 {
		return 0, nil
	}

	result, err := t.tx.Exec(`DELETE FROM habits WHERE row_id IN (`+placeholders(len(rowIDs))+`)`, int64Args(rowIDs)...)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpDeleteHabits).Inc()
		return 0, fmt.Errorf("failed to delete habits: %w", err)
	}

	return result.RowsAffected()
}

// PurgeDeletedHabits hard deletes habits soft-deleted before the cutoff.
// Progress events referring to them are kept.
func (t *Tx) PurgeDeletedHabits(userID string, cutoff time.Time) (int64, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpDeleteHabits))
	defer timer.ObserveDuration()

	result, err := t.tx.Exec(`
		DELETE FROM habits
		WHERE user_id = ? AND deleted = 1 AND deleted_at IS NOT NULL AND deleted_at < ?
	`, userID, millis(cutoff))
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpDeleteHabits).Inc()
		return 0, fmt.Errorf("failed to purge deleted habits: %w", err)
	}

	return result.RowsAffected()
}

// ListUnsyncedHabits returns habit rows changed locally since the last push
func (db *DB) ListUnsyncedHabits(userID string) ([]*Habit, error) {
	return queryHabits(db.conn, `SELECT `+habitColumns+` FROM habits
		WHERE user_id = ? AND synced = 0
		ORDER BY updated_at, row_id`, userID)
}

// MarkHabitsSynced flags habit rows as pushed, unless they changed again
// after the given update time
func (t *Tx) MarkHabitsSynced(rows []*Habit) error {
	for _, h := range rows {
		_, err := t.tx.Exec(`UPDATE habits SET synced = 1 WHERE row_id = ? AND updated_at = ?`, h.RowID, millis(h.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to mark habit synced: %w", err)
		}
	}
	return nil
}

// DuplicateHabitKeys lists habits stored more than once
func (t *Tx) DuplicateHabitKeys() ([]HabitKey, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpFindDuplicates))
	defer timer.ObserveDuration()

	rows, err := t.tx.Query(`
		SELECT user_id, id FROM habits
		GROUP BY user_id, id
		HAVING COUNT(*) > 1
		ORDER BY user_id, id
	`)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpFindDuplicates).Inc()
		return nil, fmt.Errorf("failed to find duplicate habits: %w", err)
	}
	defer rows.Close()

	var keys []HabitKey
	for rows.Next() {
		var k HabitKey
		if err := rows.Scan(&k.UserID, &k.ID); err != nil {
			return nil, fmt.Errorf("failed to scan habit key: %w", err)
		}
		keys = append(keys, k)
	}

	return keys, rows.Err()
}
