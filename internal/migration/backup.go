package migration

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"

	"habit-sync/internal/database"
	"habit-sync/internal/legacy"
)

const backupVersion = 1

// Backup is everything a rollback needs to put back
type Backup struct {
	Version   int                `cbor:"version"`
	CreatedAt time.Time          `cbor:"created_at"`
	UserID    string             `cbor:"user_id"`
	Legacy    *legacy.Snapshot   `cbor:"legacy"`
	Local     *database.Snapshot `cbor:"local"`
}

// Sub-second timestamps must survive the round trip, so times are written
// as RFC 3339 strings with nanoseconds
var backupEncMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func backupPath(dir, userID string, at time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("migration-%s-%s.cbor", userID, at.UTC().Format("20060102T150405.000000000Z")))
}

// WriteBackup encodes b to path, creating the directory if needed
func WriteBackup(path string, b *Backup) error {
	data, err := backupEncMode.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to encode backup: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	return nil
}

// LoadBackup reads a backup written by WriteBackup
func LoadBackup(path string) (*Backup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}

	var b Backup
	if err := cbor.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to decode backup: %w", err)
	}
	if b.Version != backupVersion {
		return nil, fmt.Errorf("unsupported backup version %d", b.Version)
	}
	if b.Local == nil {
		return nil, fmt.Errorf("backup has no local snapshot")
	}
	return &b, nil
}
