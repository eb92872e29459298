package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"habit-sync/internal/metrics"
)

const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half_open"
)

type CircuitBreakerState struct {
	State                string // closed, open, half_open
	OpenedAt             *time.Time
	ClosesAt             *time.Time
	LastFailureAt        *time.Time
	LastError            *string
	ConsecutiveSuccesses int
	UpdatedAt            time.Time
}

func (db *DB) GetCircuitBreakerState() (*CircuitBreakerState, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetCircuitBreakerState))
	defer timer.ObserveDuration()

	query := `
		SELECT state, opened_at, closes_at, last_failure_at, last_error,
		       consecutive_successes, updated_at
		FROM sync_circuit_breaker
		WHERE id = 1
	`

	var state CircuitBreakerState
	var openedAt, closesAt, lastFailureAt sql.NullInt64
	var lastError sql.NullString
	var updatedAt int64

	err := db.conn.QueryRow(query).Scan(
		&state.State, &openedAt, &closesAt, &lastFailureAt, &lastError,
		&state.ConsecutiveSuccesses, &updatedAt,
	)

	if isNoRows(err) {
		return &CircuitBreakerState{State: BreakerClosed, UpdatedAt: time.Now()}, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetCircuitBreakerState).Inc()
		return nil, fmt.Errorf("failed to get circuit breaker state: %w", err)
	}

	state.OpenedAt = fromNullMillis(openedAt)
	state.ClosesAt = fromNullMillis(closesAt)
	state.LastFailureAt = fromNullMillis(lastFailureAt)
	if lastError.Valid {
		state.LastError = &lastError.String
	}
	state.UpdatedAt = fromMillis(updatedAt)

	return &state, nil
}

// OpenCircuitBreaker stops sync cycles until cooldown has passed since now
func (db *DB) OpenCircuitBreaker(reason string, now time.Time, cooldown time.Duration) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpOpenCircuitBreaker))
	defer timer.ObserveDuration()

	closesAt := now.Add(cooldown)

	query := `
		UPDATE sync_circuit_breaker
		SET state = 'open',
		    opened_at = ?,
		    closes_at = ?,
		    last_failure_at = ?,
		    last_error = ?,
		    consecutive_successes = 0,
		    updated_at = ?
		WHERE id = 1
	`

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	_, err := db.conn.Exec(query,
		millis(now), millis(closesAt), millis(now), reason, millis(now),
	)

	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpOpenCircuitBreaker).Inc()
		return fmt.Errorf("failed to open circuit breaker: %w", err)
	}

	return nil
}

func (db *DB) TransitionCircuitBreakerToHalfOpen() error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpTransitionCircuitBreaker))
	defer timer.ObserveDuration()

	query := `
		UPDATE sync_circuit_breaker
		SET state = 'half_open',
		    consecutive_successes = 0,
		    updated_at = ?
		WHERE id = 1 AND state = 'open'
	`

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	_, err := db.conn.Exec(query, millis(time.Now()))
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpTransitionCircuitBreaker).Inc()
	}
	return err
}

func (db *DB) TransitionCircuitBreakerToClosed() error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpTransitionCircuitBreaker))
	defer timer.ObserveDuration()

	query := `
		UPDATE sync_circuit_breaker
		SET state = 'closed',
		    opened_at = NULL,
		    closes_at = NULL,
		    consecutive_successes = 0,
		    updated_at = ?
		WHERE id = 1
	`

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	_, err := db.conn.Exec(query, millis(time.Now()))
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpTransitionCircuitBreaker).Inc()
	}
	return err
}

func (db *DB) IncrementCircuitBreakerSuccesses() error {
	query := `
		UPDATE sync_circuit_breaker
		SET consecutive_successes = consecutive_successes + 1,
		    updated_at = ?
		WHERE id = 1 AND state = 'half_open'
	`

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	_, err := db.conn.Exec(query, millis(time.Now()))
	return err
}
