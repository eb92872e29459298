// Package dedup collapses duplicate copies of habits, completion records and
// daily awards. The remote store has no uniqueness constraints, so pulled
// copies from other devices can coexist locally until this pass runs.
package dedup

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"habit-sync/internal/database"
	"habit-sync/internal/metrics"
)

// Report counts the rows deleted by one run
type Report struct {
	Habits      int64
	Completions int64
	Awards      int64
}

// Total returns the number of rows deleted
func (r Report) Total() int64 {
	return r.Habits + r.Completions + r.Awards
}

// Manager runs the deduplication pass
type Manager struct {
	db     *database.DB
	logger *slog.Logger
}

// NewManager creates a deduplication manager
func NewManager(db *database.DB) *Manager {
	return &Manager{
		db:     db,
		logger: slog.Default(),
	}
}

// Run resolves every duplicate group in a single write transaction, so no
// sync insert or local append can interleave with the deletes
func (m *Manager) Run() (Report, error) {
	var report Report

	err := m.db.Update(func(tx *database.Tx) error {
		habitKeys, err := tx.DuplicateHabitKeys()
		if err != nil {
			return err
		}
		for _, key := range habitKeys {
			_, n, err := resolveHabit(tx, key)
			if err != nil {
				return err
			}
			report.Habits += n
		}

		completionKeys, err := tx.DuplicateCompletionKeys()
		if err != nil {
			return err
		}
		for _, key := range completionKeys {
			_, n, err := resolveCompletion(tx, key)
			if err != nil {
				return err
			}
			report.Completions += n
		}

		awardKeys, err := tx.DuplicateAwardKeys()
		if err != nil {
			return err
		}
		for _, key := range awardKeys {
			_, n, err := resolveAward(tx, key)
			if err != nil {
				return err
			}
			report.Awards += n
		}

		return nil
	})
	if err != nil {
		metrics.DedupRunsTotal.WithLabelValues(metrics.ResultFailure).Inc()
		return Report{}, fmt.Errorf("failed to deduplicate: %w", err)
	}

	metrics.DedupRunsTotal.WithLabelValues(metrics.ResultSuccess).Inc()
	metrics.DedupDeletionsTotal.WithLabelValues(metrics.EntityHabit).Add(float64(report.Habits))
	metrics.DedupDeletionsTotal.WithLabelValues(metrics.EntityCompletion).Add(float64(report.Completions))
	metrics.DedupDeletionsTotal.WithLabelValues(metrics.EntityAward).Add(float64(report.Awards))

	if report.Total() > 0 {
		m.logger.Info("Removed duplicate entities",
			"habits", report.Habits,
			"completions", report.Completions,
			"awards", report.Awards)
	}

	return report, nil
}

// HabitSurvivor picks the most recently updated habit. Equal timestamps go
// to the newest row.
func HabitSurvivor(rows []*database.Habit) *database.Habit {
	if len(rows) == 0 {
		return nil
	}
	sorted := append([]*database.Habit(nil), rows...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return newer(sorted[i].UpdatedAt, sorted[i].RowID, sorted[j].UpdatedAt, sorted[j].RowID)
	})
	return sorted[0]
}

// CompletionSurvivor picks the most recently updated record, using the
// creation time for records that were never updated
func CompletionSurvivor(rows []*database.CompletionRecord) *database.CompletionRecord {
	if len(rows) == 0 {
		return nil
	}
	touched := func(r *database.CompletionRecord) time.Time {
		if r.UpdatedAt != nil {
			return *r.UpdatedAt
		}
		return r.CreatedAt
	}
	sorted := append([]*database.CompletionRecord(nil), rows...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return newer(touched(sorted[i]), sorted[i].RowID, touched(sorted[j]), sorted[j].RowID)
	})
	return sorted[0]
}

// AwardSurvivor picks the award granting the most XP, then the most recently
// created
func AwardSurvivor(rows []*database.DailyAward) *database.DailyAward {
	if len(rows) == 0 {
		return nil
	}
	sorted := append([]*database.DailyAward(nil), rows...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.XPGranted != b.XPGranted {
			return a.XPGranted > b.XPGranted
		}
		return newer(a.CreatedAt, a.RowID, b.CreatedAt, b.RowID)
	})
	return sorted[0]
}

func newer(at time.Time, rowID int64, otherAt time.Time, otherRowID int64) bool {
	if !at.Equal(otherAt) {
		return at.After(otherAt)
	}
	return rowID > otherRowID
}

// ResolveHabit collapses the copies of one habit and returns the survivor,
// or nil if the habit does not exist
func ResolveHabit(tx *database.Tx, key database.HabitKey) (*database.Habit, error) {
	h, _, err := resolveHabit(tx, key)
	return h, err
}

// ResolveCompletion collapses the copies of one completion record and
// returns the survivor, or nil if there is none
func ResolveCompletion(tx *database.Tx, key database.CompletionKey) (*database.CompletionRecord, error) {
	r, _, err := resolveCompletion(tx, key)
	return r, err
}

// ResolveAward collapses the copies of one daily award and returns the
// survivor, or nil if there is none
func ResolveAward(tx *database.Tx, key database.AwardKey) (*database.DailyAward, error) {
	a, _, err := resolveAward(tx, key)
	return a, err
}

func resolveHabit(tx *database.Tx, key database.HabitKey) (*database.Habit, int64, error) {
	rows, err := tx.FindHabits(key)
	if err != nil {
		return nil, 0, err
	}
	survivor := HabitSurvivor(rows)
	var losers []int64
	for _, h := range rows {
		if h != survivor {
			losers = append(losers, h.RowID)
		}
	}
	n, err := tx.DeleteHabitRows(losers)
	return survivor, n, err
}

func resolveCompletion(tx *database.Tx, key database.CompletionKey) (*database.CompletionRecord, int64, error) {
	rows, err := tx.FindCompletionRecords(key)
	if err != nil {
		return nil, 0, err
	}
	survivor := CompletionSurvivor(rows)
	var losers []int64
	for _, r := range rows {
		if r != survivor {
			losers = append(losers, r.RowID)
		}
	}
	n, err := tx.DeleteCompletionRecords(losers)
	return survivor, n, err
}

func resolveAward(tx *database.Tx, key database.AwardKey) (*database.DailyAward, int64, error) {
	rows, err := tx.FindDailyAwards(key)
	if err != nil {
		return nil, 0, err
	}
	survivor := AwardSurvivor(rows)
	var losers []int64
	for _, a := range rows {
		if a != survivor {
			losers = append(losers, a.RowID)
		}
	}
	n, err := tx.DeleteDailyAwards(losers)
	return survivor, n, err
}
