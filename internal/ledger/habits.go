package ledger

import (
	"fmt"
	"strings"

	"github.com/segmentio/ksuid"

	"habit-sync/internal/database"
	"habit-sync/internal/datekey"
)

// HabitInput holds the user-editable fields of a habit. Zero values select
// the defaults: every day, a goal of 1, starting today.
type HabitInput struct {
	ID        string
	Name      string
	Schedule  database.Schedule
	Goal      int64
	StartDate string
}

// Habits returns the current copy of each of a user's habits
func (l *Ledger) Habits(userID string, includeDeleted bool) ([]*database.Habit, error) {
	rows, err := l.db.ListHabits(userID)
	if err != nil {
		return nil, err
	}
	var habits []*database.Habit
	for _, h := range database.LatestHabits(rows) {
		if h.Deleted && !includeDeleted {
			continue
		}
		habits = append(habits, h)
	}
	return habits, nil
}

// CreateHabit stores a new habit and refreshes the awards of past days,
// since a newly active habit can revoke them
func (l *Ledger) CreateHabit(userID string, in HabitInput) (*database.Habit, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidHabit)
	}

	now := l.now()
	h := &database.Habit{
		ID:        in.ID,
		UserID:    userID,
		Name:      name,
		Schedule:  in.Schedule,
		Goal:      in.Goal,
		StartDate: in.StartDate,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if h.ID == "" {
		h.ID = ksuid.New().String()
	}
	if h.Schedule == 0 {
		h.Schedule = database.EveryDay
	}
	if h.Goal < 1 {
		h.Goal = 1
	}
	if h.StartDate == "" {
		h.StartDate = l.days.Key(now)
	}
	if !datekey.Valid(h.StartDate) {
		return nil, fmt.Errorf("%w: bad start date %q", ErrInvalidHabit, h.StartDate)
	}

	err := l.db.Update(func(tx *database.Tx) error {
		if err := checkBlocked(tx); err != nil {
			return err
		}
		existing, err := l.habit(tx, database.HabitKey{UserID: userID, ID: h.ID})
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: %s", ErrHabitExists, h.ID)
		}
		if err := tx.InsertHabit(h); err != nil {
			return err
		}
		return l.recomputeAllAwards(tx, userID)
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("Created habit", "user_id", userID, "habit_id", h.ID)
	l.notify()
	return h, nil
}

// UpdateHabit changes a habit's editable fields. Zero fields in the input
// keep their current value. Goal changes refold every day of the habit.
func (l *Ledger) UpdateHabit(userID, habitID string, in HabitInput) (*database.Habit, error) {
	var updated *database.Habit
	err := l.db.Update(func(tx *database.Tx) error {
		if err := checkBlocked(tx); err != nil {
			return err
		}
		h, err := l.habit(tx, database.HabitKey{UserID: userID, ID: habitID})
		if err != nil {
			return err
		}
		if h == nil || h.Deleted {
			return ErrHabitNotFound
		}

		if name := strings.TrimSpace(in.Name); name != "" {
			h.Name = name
		}
		if in.Schedule != 0 {
			h.Schedule = in.Schedule
		}
		if in.Goal > 0 {
			h.Goal = in.Goal
		}
		if in.StartDate != "" {
			if !datekey.Valid(in.StartDate) {
				return fmt.Errorf("%w: bad start date %q", ErrInvalidHabit, in.StartDate)
			}
			h.StartDate = in.StartDate
		}
		h.Synced = false
		h.UpdatedAt = l.now()

		if err := tx.UpdateHabit(h); err != nil {
			return err
		}
		updated = h
		if err := l.refoldHabit(tx, userID, habitID); err != nil {
			return err
		}
		return l.recomputeAllAwards(tx, userID)
	})
	if err != nil {
		return nil, err
	}

	l.notify()
	return updated, nil
}

// DeleteHabit soft deletes a habit. It stops counting toward awards at once
// and is purged after the retention window.
func (l *Ledger) DeleteHabit(userID, habitID string) error {
	err := l.db.Update(func(tx *database.Tx) error {
		if err := checkBlocked(tx); err != nil {
			return err
		}
		h, err := l.habit(tx, database.HabitKey{UserID: userID, ID: habitID})
		if err != nil {
			return err
		}
		if h == nil || h.Deleted {
			return ErrHabitNotFound
		}

		now := l.now()
		h.Deleted = true
		h.DeletedAt = &now
		h.Synced = false
		h.UpdatedAt = now
		if err := tx.UpdateHabit(h); err != nil {
			return err
		}
		return l.recomputeAllAwards(tx, userID)
	})
	if err != nil {
		return err
	}

	l.logger.Info("Deleted habit", "user_id", userID, "habit_id", habitID)
	l.notify()
	return nil
}

// PurgeHabits hard deletes habits whose retention window has passed
func (l *Ledger) PurgeHabits(userID string) (int64, error) {
	var n int64
	err := l.db.Update(func(tx *database.Tx) error {
		if err := checkBlocked(tx); err != nil {
			return err
		}
		var err error
		n, err = tx.PurgeDeletedHabits(userID, l.now().Add(-l.retention))
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.logger.Info("Purged deleted habits", "user_id", userID, "count", n)
	}
	return n, nil
}

// ImportHabits stores habit copies that originated elsewhere. A copy is kept
// only when it is newer than the local one; it is added as a separate row
// and the older row is left for deduplication. Synced copies deleted before
// the retention window are not brought back. It returns the number stored.
func (l *Ledger) ImportHabits(userID string, habits []*database.Habit, synced bool) (int, error) {
	var stored int
	cutoff := l.now().Add(-l.retention)
	err := l.db.Update(func(tx *database.Tx) error {
		if err := checkBlocked(tx); err != nil {
			return err
		}

		for _, in := range habits {
			local, err := l.habit(tx, database.HabitKey{UserID: userID, ID: in.ID})
			if err != nil {
				return err
			}
			if local != nil && !in.UpdatedAt.After(local.UpdatedAt) {
				continue
			}
			// A purged habit stays purged
			if synced && local == nil && in.Deleted && in.DeletedAt != nil && in.DeletedAt.Before(cutoff) {
				continue
			}

			h := *in
			h.RowID = 0
			h.UserID = userID
			h.Synced = synced
			if err := tx.InsertHabit(&h); err != nil {
				return err
			}
			stored++

			if local == nil || local.Goal != h.Goal {
				if err := l.refoldHabit(tx, userID, h.ID); err != nil {
					return err
				}
			}
		}

		if stored == 0 {
			return nil
		}
		return l.recomputeAllAwards(tx, userID)
	})
	if err != nil {
		return 0, err
	}
	return stored, nil
}

// refoldHabit reprojects every day a habit has events for. Callers follow it
// with recomputeAllAwards, since schedule and start date changes also reach
// days without events.
func (l *Ledger) refoldHabit(tx *database.Tx, userID, habitID string) error {
	keys, err := tx.EventKeys(userID)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if key.HabitID != habitID {
			continue
		}
		if err := l.project(tx, key); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) notify() {
	if l.notifier != nil {
		l.notifier.Trigger()
	}
}
