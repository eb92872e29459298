package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"habit-sync/internal/metrics"
)

// EventType represents the kind of progress mutation
type EventType string

const (
	EventTypeIncrement      EventType = "increment"
	EventTypeDecrement      EventType = "decrement"
	EventTypeToggleComplete EventType = "toggle_complete"
	EventTypeSetValue       EventType = "set_value"
)

// Valid reports whether t is one of the known event types
func (t EventType) Valid() bool {
	switch t {
	case EventTypeIncrement, EventTypeDecrement, EventTypeToggleComplete, EventTypeSetValue:
		return true
	}
	return false
}

// EventSource records where a progress event entered the local log
type EventSource string

const (
	SourceLocal     EventSource = "local"
	SourceRemote    EventSource = "remote"
	SourceMigration EventSource = "migration"
)

// ProgressEvent is an immutable fact in the event log. Synced is the only
// field that ever changes after insert.
type ProgressEvent struct {
	ID            string
	UserID        string
	HabitID       string
	DateKey       string
	EventType     EventType
	ProgressDelta int64
	CreatedAt     time.Time
	DeviceID      string
	OperationID   string
	Source        EventSource
	Synced        bool
	SyncedAt      *time.Time
}

// EventCursor marks a position in the (created_at, id) ordering of unsynced events
type EventCursor struct {
	CreatedAt time.Time
	ID        string
}

const progressEventColumns = `id, user_id, habit_id, date_key, event_type, progress_delta,
	created_at, device_id, operation_id, source, synced, synced_at`

func scanProgressEvent(scanner interface{ Scan(...any) error }) (*ProgressEvent, error) {
	var e ProgressEvent
	var createdAt int64
	var syncedAt sql.NullInt64

	err := scanner.Scan(
		&e.ID, &e.UserID, &e.HabitID, &e.DateKey, &e.EventType, &e.ProgressDelta,
		&createdAt, &e.DeviceID, &e.OperationID, &e.Source, &e.Synced, &syncedAt,
	)
	if err != nil {
		return nil, err
	}

	e.CreatedAt = fromMillis(createdAt)
	e.SyncedAt = fromNullMillis(syncedAt)
	return &e, nil
}

func queryProgressEvents(q querier, query string, args ...any) ([]*ProgressEvent, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query progress events: %w", err)
	}
	defer rows.Close()

	var events []*ProgressEvent
	for rows.Next() {
		e, err := scanProgressEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan progress event: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating progress events: %w", err)
	}

	return events, nil
}

// InsertProgressEvent stores e unless an event with the same id or the same
// (user, operation) already exists. It reports whether a row was inserted.
func (t *Tx) InsertProgressEvent(e *ProgressEvent) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpInsertEvent))
	defer timer.ObserveDuration()

	if e.Source == "" {
		e.Source = SourceLocal
	}

	result, err := t.tx.Exec(`
		INSERT INTO progress_events (`+progressEventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, e.ID, e.UserID, e.HabitID, e.DateKey, e.EventType, e.ProgressDelta,
		millis(e.CreatedAt), e.DeviceID, e.OperationID, e.Source, e.Synced, nullableMillis(e.SyncedAt))
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpInsertEvent).Inc()
		return false, fmt.Errorf("failed to insert progress event: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return n == 1, nil
}

// GetProgressEventByOperation returns the event recorded for an operation id, or nil
func (t *Tx) GetProgressEventByOperation(userID, operationID string) (*ProgressEvent, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetEvent))
	defer timer.ObserveDuration()

	row := t.tx.QueryRow(`SELECT `+progressEventColumns+` FROM progress_events
		WHERE user_id = ? AND operation_id = ?`, userID, operationID)
	e, err := scanProgressEvent(row)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetEvent).Inc()
		return nil, fmt.Errorf("failed to get progress event by operation: %w", err)
	}

	return e, nil
}

// GetProgressEvent retrieves a single event by id, or nil
func (db *DB) GetProgressEvent(id string) (*ProgressEvent, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetEvent))
	defer timer.ObserveDuration()

	row := db.conn.QueryRow(`SELECT `+progressEventColumns+` FROM progress_events WHERE id = ?`, id)
	e, err := scanProgressEvent(row)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetEvent).Inc()
		return nil, fmt.Errorf("failed to get progress event: %w", err)
	}

	return e, nil
}

// ListEventsForKey returns every event for one (user, habit, day) in the
// deterministic fold order: created_at, then operation_id
func (t *Tx) ListEventsForKey(userID, habitID, dateKey string) ([]*ProgressEvent, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpListEventsForKey))
	defer timer.ObserveDuration()

	events, err := queryProgressEvents(t.tx, `SELECT `+progressEventColumns+` FROM progress_events
		WHERE user_id = ? AND habit_id = ? AND date_key = ?
		ORDER BY created_at ASC, operation_id ASC`, userID, habitID, dateKey)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpListEventsForKey).Inc()
		return nil, err
	}

	return events, nil
}

// ListUnsyncedEvents returns up to limit unsynced events for a user, oldest
// first, strictly after the cursor when one is given
func (db *DB) ListUnsyncedEvents(userID string, after *EventCursor, limit int) ([]*ProgressEvent, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpListUnsyncedEvents))
	defer timer.ObserveDuration()

	var events []*ProgressEvent
	var err error
	if after == nil {
		events, err = queryProgressEvents(db.conn, `SELECT `+progressEventColumns+` FROM progress_events
			WHERE user_id = ? AND synced = 0
			ORDER BY created_at ASC, id ASC
			LIMIT ?`, userID, limit)
	} else {
		cursorAt := millis(after.CreatedAt)
		events, err = queryProgressEvents(db.conn, `SELECT `+progressEventColumns+` FROM progress_events
			WHERE user_id = ? AND synced = 0
			  AND (created_at > ? OR (created_at = ? AND id > ?))
			ORDER BY created_at ASC, id ASC
			LIMIT ?`, userID, cursorAt, cursorAt, after.ID, limit)
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpListUnsyncedEvents).Inc()
		return nil, err
	}

	return events, nil
}

// ListEvents returns a user's events whose day falls in [fromKey, toKey], in fold order
func (db *DB) ListEvents(userID, fromKey, toKey string) ([]*ProgressEvent, error) {
	return queryProgressEvents(db.conn, `SELECT `+progressEventColumns+` FROM progress_events
		WHERE user_id = ? AND date_key BETWEEN ? AND ?
		ORDER BY date_key ASC, created_at ASC, operation_id ASC`, userID, fromKey, toKey)
}

// MarkEventsSynced flips the synced flag for the given ids in one statement.
// Already-synced events are left untouched.
func (t *Tx) MarkEventsSynced(ids []string, at time.Time) (int64, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpMarkEventsSynced))
	defer timer.ObserveDuration()

	if len(ids) == 0 {
		return 0, nil
	}

	args := append([]any{millis(at)}, stringArgs(ids)...)
	result, err := t.tx.Exec(`
		UPDATE progress_events SET synced = 1, synced_at = ?
		WHERE synced = 0 AND id IN (`+placeholders(len(ids))+`)
	`, args...)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpMarkEventsSynced).Inc()
		return 0, fmt.Errorf("failed to mark events synced: %w", err)
	}

	return result.RowsAffected()
}

// CountUnsyncedEvents returns the size of the push backlog across all users
func (db *DB) CountUnsyncedEvents() (int, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpCountUnsyncedEvents))
	defer timer.ObserveDuration()

	var count int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM progress_events WHERE synced = 0`).Scan(&count)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpCountUnsyncedEvents).Inc()
		return 0, fmt.Errorf("failed to count unsynced events: %w", err)
	}

	return count, nil
}

// ExistingEventIDs returns which of ids are already present in the log
func (t *Tx) ExistingEventIDs(ids []string) (map[string]bool, error) {
	existing := make(map[string]bool)
	if len(ids) == 0 {
		return existing, nil
	}

	rows, err := t.tx.Query(`SELECT id FROM progress_events WHERE id IN (`+placeholders(len(ids))+`)`, stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query event ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan event id: %w", err)
		}
		existing[id] = true
	}

	return existing, rows.Err()
}

// DeleteMigrationEvents removes the events synthesized by an unfinished
// migration. The retention trigger refuses once the migration is complete.
func (t *Tx) DeleteMigrationEvents(userID string) (int64, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpDeleteMigrationEvents))
	defer timer.ObserveDuration()

	result, err := t.tx.Exec(`DELETE FROM progress_events WHERE user_id = ? AND source = ?`, userID, SourceMigration)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpDeleteMigrationEvents).Inc()
		return 0, fmt.Errorf("failed to delete migration events: %w", err)
	}

	return result.RowsAffected()
}

// EventKeys returns every (habit, day) a user has events for
func (t *Tx) EventKeys(userID string) ([]CompletionKey, error) {
	rows, err := t.tx.Query(`
		SELECT DISTINCT habit_id, date_key FROM progress_events
		WHERE user_id = ?
		ORDER BY date_key, habit_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list event keys: %w", err)
	}
	defer rows.Close()

	var keys []CompletionKey
	for rows.Next() {
		k := CompletionKey{UserID: userID}
		if err := rows.Scan(&k.HabitID, &k.DateKey); err != nil {
			return nil, fmt.Errorf("failed to scan event key: %w", err)
		}
		keys = append(keys, k)
	}

	return keys, rows.Err()
}
