package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"

	"habit-sync/internal/database"
	"habit-sync/internal/datekey"
	"habit-sync/internal/dedup"
	"habit-sync/internal/metrics"
)

// HabitActiveOn reports whether a habit counts toward the award of a day
func HabitActiveOn(h *database.Habit, dateKey string, weekday time.Weekday) bool {
	return !h.Deleted && h.StartDate <= dateKey && h.Schedule.Includes(weekday)
}

// AwardDue reports whether a day earns its award: at least one habit is
// active and every active habit is completed
func AwardDue(active []*database.Habit, completed map[string]bool) bool {
	if len(active) == 0 {
		return false
	}
	for _, h := range active {
		if !completed[h.ID] {
			return false
		}
	}
	return true
}

// project refolds one (habit, day) and then the day's award
func (l *Ledger) project(tx *database.Tx, key database.CompletionKey) error {
	events, err := tx.ListEventsForKey(key.UserID, key.HabitID, key.DateKey)
	if err != nil {
		return err
	}

	goal := int64(1)
	habit, err := l.habit(tx, database.HabitKey{UserID: key.UserID, ID: key.HabitID})
	if err != nil {
		return err
	}
	if habit != nil {
		goal = habit.Goal
	}

	progress := Fold(events, goal)

	record, err := l.completionRecord(tx, key)
	if err != nil {
		return err
	}

	now := l.now()
	if record == nil {
		record = &database.CompletionRecord{
			ID:                   ksuid.New().String(),
			UserID:               key.UserID,
			HabitID:              key.HabitID,
			DateKey:              key.DateKey,
			Value:                progress.Value,
			IsCompleted:          progress.Completed,
			CompletionTimestamps: progress.CompletionTimestamps,
			CreatedAt:            now,
		}
		if err := tx.InsertCompletionRecord(record); err != nil {
			return err
		}
	} else {
		record.Value = progress.Value
		record.IsCompleted = progress.Completed
		record.CompletionTimestamps = progress.CompletionTimestamps
		record.UpdatedAt = &now
		if err := tx.UpdateCompletionRecord(record); err != nil {
			return err
		}
	}

	return l.recomputeAward(tx, key.UserID, key.DateKey)
}

// recomputeAward creates or deletes the day's award so that it exists
// exactly when every active habit is complete
func (l *Ledger) recomputeAward(tx *database.Tx, userID, dateKey string) error {
	weekday, err := datekey.Weekday(dateKey)
	if err != nil {
		return err
	}

	rows, err := tx.ListHabits(userID)
	if err != nil {
		return err
	}
	var active []*database.Habit
	for _, h := range database.LatestHabits(rows) {
		if HabitActiveOn(h, dateKey, weekday) {
			active = append(active, h)
		}
	}

	records, err := tx.ListCompletionRecordsForDate(userID, dateKey)
	if err != nil {
		return err
	}
	byHabit := make(map[string][]*database.CompletionRecord)
	for _, r := range records {
		byHabit[r.HabitID] = append(byHabit[r.HabitID], r)
	}
	completed := make(map[string]bool, len(byHabit))
	for habitID, copies := range byHabit {
		completed[habitID] = dedup.CompletionSurvivor(copies).IsCompleted
	}

	due := AwardDue(active, completed)

	key := database.AwardKey{UserID: userID, DateKey: dateKey}
	award, err := l.dailyAward(tx, key)
	if err != nil {
		return err
	}

	switch {
	case due && award == nil:
		award = &database.DailyAward{
			ID:                 ksuid.New().String(),
			UserID:             userID,
			DateKey:            dateKey,
			XPGranted:          l.awardXP,
			AllHabitsCompleted: true,
			CreatedAt:          l.now(),
		}
		if err := tx.InsertDailyAward(award); err != nil {
			return err
		}
		metrics.AwardChangesTotal.WithLabelValues(metrics.AwardCreated).Inc()
	case !due && award != nil:
		if _, err := tx.DeleteDailyAwards([]int64{award.RowID}); err != nil {
			return err
		}
		metrics.AwardChangesTotal.WithLabelValues(metrics.AwardDeleted).Inc()
	}

	return nil
}

// recomputeAllAwards refreshes the award of every day that has progress.
// Habit changes can alter which habits are active on any past day.
func (l *Ledger) recomputeAllAwards(tx *database.Tx, userID string) error {
	dates, err := tx.CompletionDates(userID)
	if err != nil {
		return err
	}
	for _, d := range dates {
		if err := l.recomputeAward(tx, userID, d); err != nil {
			return fmt.Errorf("failed to recompute award for %s: %w", d, err)
		}
	}
	return nil
}

// The lookups below resolve duplicates in place instead of failing

func (l *Ledger) habit(tx *database.Tx, key database.HabitKey) (*database.Habit, error) {
	rows, err := tx.FindHabits(key)
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, nil
	case 1:
		return rows[0], nil
	}
	l.logger.Debug("Resolving duplicate habit", "key", key.String(), "copies", len(rows))
	return dedup.ResolveHabit(tx, key)
}

func (l *Ledger) completionRecord(tx *database.Tx, key database.CompletionKey) (*database.CompletionRecord, error) {
	record, err := tx.GetCompletionRecord(key)
	if errors.Is(err, database.ErrDuplicateEntity) {
		l.logger.Debug("Resolving duplicate completion record", "key", key.String(), "error", err)
		return dedup.ResolveCompletion(tx, key)
	}
	return record, err
}

func (l *Ledger) dailyAward(tx *database.Tx, key database.AwardKey) (*database.DailyAward, error) {
	award, err := tx.GetDailyAward(key)
	if errors.Is(err, database.ErrDuplicateEntity) {
		l.logger.Debug("Resolving duplicate daily award", "key", key.String(), "error", err)
		return dedup.ResolveAward(tx, key)
	}
	return award, err
}
