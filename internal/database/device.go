package database

import (
	"fmt"

	"github.com/google/uuid"
)

const settingDeviceID = "device_id"

// DeviceID returns the id this device writes into its events, generating and
// storing one on first use. A non-empty override replaces the stored id.
func (db *DB) DeviceID(override string) (string, error) {
	var id string
	err := db.Update(func(tx *Tx) error {
		if override != "" {
			id = override
			_, err := tx.tx.Exec(`
				INSERT INTO device_settings (key, value) VALUES (?, ?)
				ON CONFLICT (key) DO UPDATE SET value = excluded.value
			`, settingDeviceID, id)
			return err
		}

		err := tx.tx.QueryRow(`SELECT value FROM device_settings WHERE key = ?`, settingDeviceID).Scan(&id)
		if err == nil {
			return nil
		}
		if !isNoRows(err) {
			return err
		}

		id = uuid.NewString()
		_, err = tx.tx.Exec(`INSERT INTO device_settings (key, value) VALUES (?, ?)`, settingDeviceID, id)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to resolve device id: %w", err)
	}
	return id, nil
}
