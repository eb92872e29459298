package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"habit-sync/internal/metrics"
)

// Account represents a user who has signed in on this device
type Account struct {
	UserID      string
	DisplayName string
	Active      bool
	LastSyncAt  *time.Time
	SyncError   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const accountColumns = `user_id, display_name, active, last_sync_at, sync_error, created_at, updated_at`

func scanAccount(scanner interface{ Scan(...any) error }) (*Account, error) {
	var a Account
	var lastSyncAt sql.NullInt64
	var syncError sql.NullString
	var createdAt, updatedAt int64

	err := scanner.Scan(&a.UserID, &a.DisplayName, &a.Active, &lastSyncAt, &syncError, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	a.LastSyncAt = fromNullMillis(lastSyncAt)
	if syncError.Valid {
		a.SyncError = &syncError.String
	}
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)
	return &a, nil
}

// UpsertAccount inserts or updates an account's display name
func (db *DB) UpsertAccount(a *Account) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpsertAccount))
	defer timer.ObserveDuration()

	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	return db.Update(func(tx *Tx) error {
		_, err := tx.tx.Exec(`
			INSERT INTO accounts (user_id, display_name, active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET
				display_name = excluded.display_name,
				updated_at = excluded.updated_at
		`, a.UserID, a.DisplayName, a.Active, millis(a.CreatedAt), millis(a.UpdatedAt))
		if err != nil {
			metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpsertAccount).Inc()
			return fmt.Errorf("failed to upsert account: %w", err)
		}
		return nil
	})
}

// GetAccount retrieves an account by user id, or nil
func (db *DB) GetAccount(userID string) (*Account, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetAccount))
	defer timer.ObserveDuration()

	a, err := scanAccount(db.conn.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE user_id = ?`, userID))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetAccount).Inc()
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

// GetActiveAccount returns the signed-in account, or nil when the device is
// used as a guest
func (db *DB) GetActiveAccount() (*Account, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetAccount))
	defer timer.ObserveDuration()

	a, err := scanAccount(db.conn.QueryRow(`SELECT ` + accountColumns + ` FROM accounts WHERE active = 1 LIMIT 1`))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetAccount).Inc()
		return nil, fmt.Errorf("failed to get active account: %w", err)
	}
	return a, nil
}

// ActivateAccount makes userID the only active account. An empty userID
// signs out, leaving the device in guest mode.
func (db *DB) ActivateAccount(userID string) error {
	return db.Update(func(tx *Tx) error {
		now := millis(time.Now())
		if _, err := tx.tx.Exec(`UPDATE accounts SET active = 0, updated_at = ? WHERE active = 1`, now); err != nil {
			return fmt.Errorf("failed to deactivate accounts: %w", err)
		}
		if userID == "" {
			return nil
		}

		result, err := tx.tx.Exec(`UPDATE accounts SET active = 1, updated_at = ? WHERE user_id = ?`, now, userID)
		if err != nil {
			return fmt.Errorf("failed to activate account: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("account not found")
		}
		return nil
	})
}

// RecordSyncResult stores the outcome of a sync cycle. A nil syncErr clears
// any previous error.
func (db *DB) RecordSyncResult(userID string, at time.Time, syncErr error) error {
	var msg *string
	if syncErr != nil {
		s := syncErr.Error()
		msg = &s
	}

	return db.Update(func(tx *Tx) error {
		_, err := tx.tx.Exec(`
			UPDATE accounts
			SET last_sync_at = ?, sync_error = ?, updated_at = ?
			WHERE user_id = ?
		`, millis(at), msg, millis(time.Now()), userID)
		if err != nil {
			return fmt.Errorf("failed to record sync result: %w", err)
		}
		return nil
	})
}

// ListAccounts returns every account ordered by creation
func (db *DB) ListAccounts() ([]*Account, error) {
	rows, err := db.conn.Query(`SELECT ` + accountColumns + ` FROM accounts ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}

	return accounts, nil
}
