package database

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"habit-sync/internal/metrics"
)

// DailyAward is the per-day aggregate granted when every active habit is complete
type DailyAward struct {
	RowID              int64
	ID                 string
	UserID             string
	DateKey            string
	XPGranted          int64
	AllHabitsCompleted bool
	CreatedAt          time.Time
}

// AwardKey is the natural key of a DailyAward
type AwardKey struct {
	UserID  string
	DateKey string
}

func (k AwardKey) String() string {
	return k.UserID + "/" + k.DateKey
}

const awardColumns = `row_id, id, user_id, date_key, xp_granted, all_habits_completed, created_at`

func queryDailyAwards(q querier, query string, args ...any) ([]*DailyAward, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily awards: %w", err)
	}
	defer rows.Close()

	var awards []*DailyAward
	for rows.Next() {
		var a DailyAward
		var createdAt int64
		if err := rows.Scan(&a.RowID, &a.ID, &a.UserID, &a.DateKey, &a.XPGranted, &a.AllHabitsCompleted, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan daily award: %w", err)
		}
		a.CreatedAt = fromMillis(createdAt)
		awards = append(awards, &a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating daily awards: %w", err)
	}

	return awards, nil
}

// FindDailyAwards returns every stored copy for a natural key
func (t *Tx) FindDailyAwards(key AwardKey) ([]*DailyAward, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpFindAward))
	defer timer.ObserveDuration()

	awards, err := queryDailyAwards(t.tx, `SELECT `+awardColumns+` FROM daily_awards
		WHERE user_id = ? AND date_key = ?
		ORDER BY row_id ASC`, key.UserID, key.DateKey)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpFindAward).Inc()
		return nil, err
	}

	return awards, nil
}

// GetDailyAward returns the single award for a natural key, nil if there is
// none, or a *DuplicateEntityError if more than one copy exists
func (t *Tx) GetDailyAward(key AwardKey) (*DailyAward, error) {
	awards, err := t.FindDailyAwards(key)
	if err != nil {
		return nil, err
	}

	switch len(awards) {
	case 0:
		return nil, nil
	case 1:
		return awards[0], nil
	default:
		return nil, &DuplicateEntityError{Entity: EntityDailyAward, Key: key.String(), Count: len(awards)}
	}
}

// InsertDailyAward stores a new award and sets its RowID
func (t *Tx) InsertDailyAward(a *DailyAward) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpSaveAward))
	defer timer.ObserveDuration()

	result, err := t.tx.Exec(`
		INSERT INTO daily_awards (id, user_id, date_key, xp_granted, all_habits_completed, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.ID, a.UserID, a.DateKey, a.XPGranted, a.AllHabitsCompleted, millis(a.CreatedAt))
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpSaveAward).Inc()
		return fmt.Errorf("failed to insert daily award: %w", err)
	}

	a.RowID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get award row id: %w", err)
	}

	return nil
}

// DeleteDailyAwards removes rows by surrogate id
func (t *Tx) DeleteDailyAwards(rowIDs []int64) (int64, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpDeleteAwards))
	defer timer.ObserveDuration()

	if len(rowIDs) == 0 {
		return 0, nil
	}

	result, err := t.tx.Exec(`DELETE FROM daily_awards WHERE row_id IN (`+placeholders(len(rowIDs))+`)`, int64Args(rowIDs)...)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpDeleteAwards).Inc()
		return 0, fmt.Errorf("failed to delete daily awards: %w", err)
	}

	return result.RowsAffected()
}

// DuplicateAwardKeys lists natural keys that have more than one row
func (t *Tx) DuplicateAwardKeys() ([]AwardKey, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpFindDuplicates))
	defer timer.ObserveDuration()

	rows, err := t.tx.Query(`
		SELECT user_id, date_key FROM daily_awards
		GROUP BY user_id, date_key
		HAVING COUNT(*) > 1
		ORDER BY user_id, date_key
	`)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpFindDuplicates).Inc()
		return nil, fmt.Errorf("failed to find duplicate daily awards: %w", err)
	}
	defer rows.Close()

	var keys []AwardKey
	for rows.Next() {
		var k AwardKey
		if err := rows.Scan(&k.UserID, &k.DateKey); err != nil {
			return nil, fmt.Errorf("failed to scan award key: %w", err)
		}
		keys = append(keys, k)
	}

	return keys, rows.Err()
}

// AwardDatesInRange returns the days in [fromKey, toKey] that carry a fully
// completed award, most recent first. Served by idx_daily_awards_user_date,
// so the cost follows the width of the range rather than the table size.
func (db *DB) AwardDatesInRange(userID, fromKey, toKey string) ([]string, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpAwardRange))
	defer timer.ObserveDuration()

	rows, err := db.conn.Query(`
		SELECT DISTINCT date_key FROM daily_awards
		WHERE user_id = ? AND date_key BETWEEN ? AND ? AND all_habits_completed = 1
		ORDER BY date_key DESC
	`, userID, fromKey, toKey)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpAwardRange).Inc()
		return nil, fmt.Errorf("failed to query award range: %w", err)
	}
	defer rows.Close()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan award date: %w", err)
		}
		dates = append(dates, d)
	}

	return dates, rows.Err()
}

// SumXP totals the XP granted for days in [fromKey, toKey]. Duplicate rows for
// a day count once, at their highest value.
func (db *DB) SumXP(userID, fromKey, toKey string) (int64, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpAwardRange))
	defer timer.ObserveDuration()

	var total int64
	err := db.conn.QueryRow(`
		SELECT COALESCE(SUM(xp), 0) FROM (
			SELECT MAX(xp_granted) AS xp FROM daily_awards
			WHERE user_id = ? AND date_key BETWEEN ? AND ?
			GROUP BY date_key
		)
	`, userID, fromKey, toKey).Scan(&total)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpAwardRange).Inc()
		return 0, fmt.Errorf("failed to sum xp: %w", err)
	}

	return total, nil
}

// ListDailyAwards returns all of a user's awards ordered by day
func (db *DB) ListDailyAwards(userID string) ([]*DailyAward, error) {
	return queryDailyAwards(db.conn, `SELECT `+awardColumns+` FROM daily_awards
		WHERE user_id = ?
		ORDER BY date_key, row_id`, userID)
}
