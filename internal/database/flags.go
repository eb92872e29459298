package database

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"habit-sync/internal/metrics"
)

// Local flag keys
const (
	// FlagMigrationComplete is set once the legacy store has been migrated.
	// The retention trigger in Schema refers to this key by name.
	FlagMigrationComplete = "v2_migration_complete"

	// FlagMigrationBlocked is set when a migration rollback itself failed.
	// Local writes are refused until it is cleared by hand.
	FlagMigrationBlocked = "migration_blocked"

	FlagMigrationBackedUp    = "v2_migration_backup"
	FlagMigrationTransformed = "v2_migration_transform"
	FlagMigrationValidated   = "v2_migration_validate"
	FlagMigrationCommitted   = "v2_migration_commit"
)

func getFlag(q querier, key string) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetFlag))
	defer timer.ObserveDuration()

	var value bool
	err := q.QueryRow(`SELECT value FROM local_flags WHERE key = ?`, key).Scan(&value)
	if isNoRows(err) {
		return false, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetFlag).Inc()
		return false, fmt.Errorf("failed to get flag %s: %w", key, err)
	}
	return value, nil
}

func setFlag(q querier, key string, value bool) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpSetFlag))
	defer timer.ObserveDuration()

	_, err := q.Exec(`
		INSERT INTO local_flags (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, millis(time.Now()))
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpSetFlag).Inc()
		return fmt.Errorf("failed to set flag %s: %w", key, err)
	}
	return nil
}

// GetFlag reports whether a flag is set. Missing flags read as false.
func (db *DB) GetFlag(key string) (bool, error) {
	return getFlag(db.conn, key)
}

func (t *Tx) GetFlag(key string) (bool, error) {
	return getFlag(t.tx, key)
}

// SetFlag sets a flag outside of any other write
func (db *DB) SetFlag(key string, value bool) error {
	return db.Update(func(tx *Tx) error {
		return tx.SetFlag(key, value)
	})
}

func (t *Tx) SetFlag(key string, value bool) error {
	return setFlag(t.tx, key, value)
}

// ClearFlag removes a flag entirely
func (t *Tx) ClearFlag(key string) error {
	if _, err := t.tx.Exec(`DELETE FROM local_flags WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to clear flag %s: %w", key, err)
	}
	return nil
}
