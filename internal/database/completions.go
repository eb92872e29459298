package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"habit-sync/internal/metrics"
)

// CompletionRecord is the projection of the event log for one (user, habit, day)
type CompletionRecord struct {
	RowID                int64
	ID                   string
	UserID               string
	HabitID              string
	DateKey              string
	Value                int64
	IsCompleted          bool
	CompletionTimestamps []time.Time
	CreatedAt            time.Time
	UpdatedAt            *time.Time
}

// CompletionKey is the natural key of a CompletionRecord
type CompletionKey struct {
	UserID  string
	HabitID string
	DateKey string
}

func (k CompletionKey) String() string {
	return k.UserID + "/" + k.HabitID + "/" + k.DateKey
}

const completionColumns = `row_id, id, user_id, habit_id, date_key, value, is_completed,
	completion_timestamps, created_at, updated_at`

func scanCompletionRecord(scanner interface{ Scan(...any) error }) (*CompletionRecord, error) {
	var r CompletionRecord
	var timestamps string
	var createdAt int64
	var updatedAt sql.NullInt64

	err := scanner.Scan(
		&r.RowID, &r.ID, &r.UserID, &r.HabitID, &r.DateKey, &r.Value, &r.IsCompleted,
		&timestamps, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	var ms []int64
	if err := json.Unmarshal([]byte(timestamps), &ms); err != nil {
		return nil, fmt.Errorf("failed to decode completion timestamps: %w", err)
	}
	for _, m := range ms {
		r.CompletionTimestamps = append(r.CompletionTimestamps, fromMillis(m))
	}

	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromNullMillis(updatedAt)
	return &r, nil
}

func encodeTimestamps(ts []time.Time) (string, error) {
	ms := make([]int64, 0, len(ts))
	for _, t := range ts {
		ms = append(ms, millis(t))
	}
	data, err := json.Marshal(ms)
	if err != nil {
		return "", fmt.Errorf("failed to encode completion timestamps: %w", err)
	}
	return string(data), nil
}

func queryCompletionRecords(q querier, query string, args ...any) ([]*CompletionRecord, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query completion records: %w", err)
	}
	defer rows.Close()

	var records []*CompletionRecord
	for rows.Next() {
		r, err := scanCompletionRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan completion record: %w", err)
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating completion records: %w", err)
	}

	return records, nil
}

// FindCompletionRecords returns every stored copy for a natural key
func (t *Tx) FindCompletionRecords(key CompletionKey) ([]*CompletionRecord, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpFindCompletion))
	defer timer.ObserveDuration()

	records, err := queryCompletionRecords(t.tx, `SELECT `+completionColumns+` FROM completion_records
		WHERE user_id = ? AND habit_id = ? AND date_key = ?
		ORDER BY row_id ASC`, key.UserID, key.HabitID, key.DateKey)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpFindCompletion).Inc()
		return nil, err
	}

	return records, nil
}

// GetCompletionRecord returns the single record for a natural key, nil if
// there is none, or a *DuplicateEntityError if more than one copy exists
func (t *Tx) GetCompletionRecord(key CompletionKey) (*CompletionRecord, error) {
	records, err := t.FindCompletionRecords(key)
	if err != nil {
		return nil, err
	}

	switch len(records) {
	case 0:
		return nil, nil
	case 1:
		return records[0], nil
	default:
		return nil, &DuplicateEntityError{Entity: EntityCompletionRecord, Key: key.String(), Count: len(records)}
	}
}

// InsertCompletionRecord stores a new record and sets its RowID
func (t *Tx) InsertCompletionRecord(r *CompletionRecord) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpSaveCompletion))
	defer timer.ObserveDuration()

	timestamps, err := encodeTimestamps(r.CompletionTimestamps)
	if err != nil {
		return err
	}

	result, err := t.tx.Exec(`
		INSERT INTO completion_records (id, user_id, habit_id, date_key, value, is_completed,
			completion_timestamps, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.UserID, r.HabitID, r.DateKey, r.Value, r.IsCompleted,
		timestamps, millis(r.CreatedAt), nullableMillis(r.UpdatedAt))
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpSaveCompletion).Inc()
		return fmt.Errorf("failed to insert completion record: %w", err)
	}

	r.RowID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get completion row id: %w", err)
	}

	return nil
}

// UpdateCompletionRecord overwrites the projected fields of an existing row
func (t *Tx) UpdateCompletionRecord(r *CompletionRecord) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpSaveCompletion))
	defer timer.ObserveDuration()

	timestamps, err := encodeTimestamps(r.CompletionTimestamps)
	if err != nil {
		return err
	}

	_, err = t.tx.Exec(`
		UPDATE completion_records
		SET value = ?, is_completed = ?, completion_timestamps = ?, updated_at = ?
		WHERE row_id = ?
	`, r.Value, r.IsCompleted, timestamps, nullableMillis(r.UpdatedAt), r.RowID)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpSaveCompletion).Inc()
		return fmt.Errorf("failed to update completion record: %w", err)
	}

	return nil
}

// DeleteCompletionRecords removes rows by surrogate id
func (t *Tx) DeleteCompletionRecords(rowIDs []int64) (int64, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpDeleteCompletions))
	defer timer.ObserveDuration()

	if len(rowIDs) == 0 {
		return 0, nil
	}

	result, err := t.tx.Exec(`DELETE FROM completion_records WHERE row_id IN (`+placeholders(len(rowIDs))+`)`, int64Args(rowIDs)...)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpDeleteCompletions).Inc()
		return 0, fmt.Errorf("failed to delete completion records: %w", err)
	}

	return result.RowsAffected()
}

// DuplicateCompletionKeys lists natural keys that have more than one row
func (t *Tx) DuplicateCompletionKeys() ([]CompletionKey, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpFindDuplicates))
	defer timer.ObserveDuration()

	rows, err := t.tx.Query(`
		SELECT user_id, habit_id, date_key FROM completion_records
		GROUP BY user_id, habit_id, date_key
		HAVING COUNT(*) > 1
		ORDER BY user_id, habit_id, date_key
	`)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpFindDuplicates).Inc()
		return nil, fmt.Errorf("failed to find duplicate completion records: %w", err)
	}
	defer rows.Close()

	var keys []CompletionKey
	for rows.Next() {
		var k CompletionKey
		if err := rows.Scan(&k.UserID, &k.HabitID, &k.DateKey); err != nil {
			return nil, fmt.Errorf("failed to scan completion key: %w", err)
		}
		keys = append(keys, k)
	}

	return keys, rows.Err()
}

// CompletionDates returns the distinct days that have completion records for a user
func (t *Tx) CompletionDates(userID string) ([]string, error) {
	rows, err := t.tx.Query(`SELECT DISTINCT date_key FROM completion_records WHERE user_id = ? ORDER BY date_key`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list completion dates: %w", err)
	}
	defer rows.Close()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan completion date: %w", err)
		}
		dates = append(dates, d)
	}

	return dates, rows.Err()
}

// ListCompletionRecordsForDate returns every record of a user for one day
func (t *Tx) ListCompletionRecordsForDate(userID, dateKey string) ([]*CompletionRecord, error) {
	return queryCompletionRecords(t.tx, `SELECT `+completionColumns+` FROM completion_records
		WHERE user_id = ? AND date_key = ?
		ORDER BY habit_id, row_id`, userID, dateKey)
}

// ListCompletionRecords returns all of a user's completion records
func (db *DB) ListCompletionRecords(userID string) ([]*CompletionRecord, error) {
	return queryCompletionRecords(db.conn, `SELECT `+completionColumns+` FROM completion_records
		WHERE user_id = ?
		ORDER BY date_key, habit_id, row_id`, userID)
}
