package migration

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"habit-sync/internal/database"
	"habit-sync/internal/datekey"
	"habit-sync/internal/ledger"
	"habit-sync/internal/legacy"
	"habit-sync/internal/streak"
)

// Totals are the figures compared before and after the transform
type Totals struct {
	Checksum string
	Awards   []string // most recent first
	XP       int64
	Streak   int
}

// expectedTotals derives the totals from the flat store using the same
// activity and award rules as the view maintainer
func expectedTotals(snap *legacy.Snapshot, awardXP int64, lookback int) (Totals, error) {
	var t Totals

	habits := make([]*database.Habit, 0, len(snap.Habits))
	for i := range snap.Habits {
		habits = append(habits, toHabit(&snap.Habits[i]))
	}

	lines := make([]string, 0, len(snap.Completions))
	completed := make(map[string]map[string]bool)
	for _, c := range snap.Completions {
		lines = append(lines, recordLine(c.HabitID, c.DateKey, c.Value, c.Completed))
		if completed[c.DateKey] == nil {
			completed[c.DateKey] = make(map[string]bool)
		}
		completed[c.DateKey][c.HabitID] = c.Completed
	}
	t.Checksum = checksum(lines)

	for dateKey, done := range completed {
		weekday, err := datekey.Weekday(dateKey)
		if err != nil {
			return t, err
		}
		var active []*database.Habit
		for _, h := range habits {
			if ledger.HabitActiveOn(h, dateKey, weekday) {
				active = append(active, h)
			}
		}
		if ledger.AwardDue(active, done) {
			t.Awards = append(t.Awards, dateKey)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(t.Awards)))
	t.XP = int64(len(t.Awards)) * awardXP

	if target := latestDay(snap); target != "" {
		run, err := streak.Walk(target, t.Awards, lookback)
		if err != nil {
			return t, err
		}
		t.Streak = len(run)
	}

	return t, nil
}

// actualTotals reads the same figures back from the projected views
func (c *Controller) actualTotals(userID string, snap *legacy.Snapshot) (Totals, error) {
	var t Totals

	records, err := c.db.ListCompletionRecords(userID)
	if err != nil {
		return t, err
	}
	byKey := make(map[string]*database.CompletionRecord, len(records))
	for _, r := range records {
		byKey[r.HabitID+"|"+r.DateKey] = r
	}

	lines := make([]string, 0, len(snap.Completions))
	for _, lc := range snap.Completions {
		r, ok := byKey[lc.HabitID+"|"+lc.DateKey]
		if !ok {
			lines = append(lines, lc.HabitID+"|"+lc.DateKey+"|missing")
			continue
		}
		lines = append(lines, recordLine(r.HabitID, r.DateKey, r.Value, r.IsCompleted))
	}
	t.Checksum = checksum(lines)

	first, last := earliestDay(snap), latestDay(snap)
	if last == "" {
		return t, nil
	}

	t.Awards, err = c.db.AwardDatesInRange(userID, first, last)
	if err != nil {
		return t, err
	}
	t.XP, err = c.streaks.XPBetween(userID, first, last)
	if err != nil {
		return t, err
	}
	t.Streak, err = c.streaks.Length(userID, last)
	if err != nil {
		return t, err
	}

	return t, nil
}

// compare returns an ErrValidation describing the first difference
func compare(want, got Totals) error {
	switch {
	case want.Checksum != got.Checksum:
		return fmt.Errorf("%w: completion checksum %s, migrated %s", ErrValidation, want.Checksum, got.Checksum)
	case len(want.Awards) != len(got.Awards):
		return fmt.Errorf("%w: %d awarded days, migrated %d", ErrValidation, len(want.Awards), len(got.Awards))
	case want.XP != got.XP:
		return fmt.Errorf("%w: %d xp, migrated %d", ErrValidation, want.XP, got.XP)
	case want.Streak != got.Streak:
		return fmt.Errorf("%w: streak of %d days, migrated %d", ErrValidation, want.Streak, got.Streak)
	}
	for i := range want.Awards {
		if want.Awards[i] != got.Awards[i] {
			return fmt.Errorf("%w: award on %s, migrated %s", ErrValidation, want.Awards[i], got.Awards[i])
		}
	}
	return nil
}

func recordLine(habitID, dateKey string, value int64, completed bool) string {
	return fmt.Sprintf("%s|%s|%d|%t", habitID, dateKey, value, completed)
}

func checksum(lines []string) string {
	sorted := append([]string(nil), lines...)
	sort.Strings(sorted)

	h := sha256.New()
	for _, l := range sorted {
		h.Write([]byte(l))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func earliestDay(snap *legacy.Snapshot) string {
	var first string
	for _, c := range snap.Completions {
		if first == "" || c.DateKey < first {
			first = c.DateKey
		}
	}
	return first
}

func latestDay(snap *legacy.Snapshot) string {
	var last string
	for _, c := range snap.Completions {
		if c.DateKey > last {
			last = c.DateKey
		}
	}
	return last
}
