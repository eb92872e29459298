// Package legacy reads the flat "current state" store written by earlier
// versions of the app, before progress became an event log.
package legacy

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Habit is a habit as the flat store kept it
type Habit struct {
	gorm.Model
	HabitID    string `gorm:"uniqueIndex;not null"`
	Name       string `gorm:"not null"`
	Schedule   uint8  `gorm:"not null;default:127"`
	Goal       int64  `gorm:"not null;default:1"`
	StartDate  string `gorm:"not null"`
	Archived   bool   `gorm:"default:false"`
	ArchivedAt *time.Time
}

// Completion is the stored progress of one habit on one day. The flat store
// overwrote Value in place, so only the final state survives.
type Completion struct {
	gorm.Model
	HabitID     string `gorm:"not null;uniqueIndex:idx_completion_day"`
	DateKey     string `gorm:"not null;uniqueIndex:idx_completion_day"`
	Value       int64  `gorm:"not null;default:0"`
	Completed   bool   `gorm:"default:false"`
	CompletedAt *time.Time
}

// Meta holds store-level markers
type Meta struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	UpdatedAt time.Time
}

// MetaMigratedAt records when the contents were moved to the event log
const MetaMigratedAt = "migrated_at"

// Snapshot is the full contents of the flat store
type Snapshot struct {
	Habits      []Habit      `cbor:"habits"`
	Completions []Completion `cbor:"completions"`
}

type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the flat store at path
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open legacy store: %w", err)
	}

	if err := db.AutoMigrate(&Habit{}, &Completion{}, &Meta{}); err != nil {
		return nil, fmt.Errorf("failed to migrate legacy schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Habits returns every habit, archived ones included, in creation order
func (s *Store) Habits() ([]Habit, error) {
	var habits []Habit
	if err := s.db.Order("id").Find(&habits).Error; err != nil {
		return nil, fmt.Errorf("failed to list legacy habits: %w", err)
	}
	return habits, nil
}

// Completions returns every completion ordered by day and habit
func (s *Store) Completions() ([]Completion, error) {
	var completions []Completion
	if err := s.db.Order("date_key, habit_id").Find(&completions).Error; err != nil {
		return nil, fmt.Errorf("failed to list legacy completions: %w", err)
	}
	return completions, nil
}

// Snapshot reads the whole store in one transaction
func (s *Store) Snapshot() (*Snapshot, error) {
	var snap Snapshot
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Order("id").Find(&snap.Habits).Error; err != nil {
			return err
		}
		return tx.Order("date_key, habit_id").Find(&snap.Completions).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot legacy store: %w", err)
	}
	return &snap, nil
}

// SaveHabit inserts or updates a habit by its HabitID
func (s *Store) SaveHabit(h *Habit) error {
	var existing Habit
	err := s.db.Where("habit_id = ?", h.HabitID).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return s.db.Create(h).Error
	case err != nil:
		return err
	}
	h.ID = existing.ID
	h.CreatedAt = existing.CreatedAt
	return s.db.Save(h).Error
}

// SaveCompletion inserts or overwrites the completion of a habit on a day
func (s *Store) SaveCompletion(c *Completion) error {
	var existing Completion
	err := s.db.Where("habit_id = ? AND date_key = ?", c.HabitID, c.DateKey).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return s.db.Create(c).Error
	case err != nil:
		return err
	}
	c.ID = existing.ID
	c.CreatedAt = existing.CreatedAt
	return s.db.Save(c).Error
}

// GetMeta returns a marker value, or "" when unset
func (s *Store) GetMeta(key string) (string, error) {
	var m Meta
	err := s.db.Where("key = ?", key).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read legacy meta %s: %w", key, err)
	}
	return m.Value, nil
}

// SetMeta stores a marker value
func (s *Store) SetMeta(key, value string) error {
	if err := s.db.Save(&Meta{Key: key, Value: value}).Error; err != nil {
		return fmt.Errorf("failed to write legacy meta %s: %w", key, err)
	}
	return nil
}

// DeleteMeta removes a marker
func (s *Store) DeleteMeta(key string) error {
	if err := s.db.Where("key = ?", key).Delete(&Meta{}).Error; err != nil {
		return fmt.Errorf("failed to delete legacy meta %s: %w", key, err)
	}
	return nil
}
