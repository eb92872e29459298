// Package streak computes runs of consecutive fully completed days from the
// daily award aggregate.
package streak

import (
	"fmt"

	"habit-sync/internal/database"
	"habit-sync/internal/datekey"
)

// DefaultLookback bounds how far back a streak is followed
const DefaultLookback = 365

// Calculator counts consecutive award days ending on a given day
type Calculator struct {
	db       *database.DB
	lookback int
}

// NewCalculator creates a calculator that follows streaks back at most
// lookback days, target included
func NewCalculator(db *database.DB, lookback int) *Calculator {
	if lookback < 1 {
		lookback = DefaultLookback
	}
	return &Calculator{db: db, lookback: lookback}
}

// Lookback returns the longest run the calculator reports
func (c *Calculator) Lookback() int {
	return c.lookback
}

// Run returns the consecutive awarded days ending at target, most recent
// first. It reads only the award rows inside the lookback window.
func (c *Calculator) Run(userID, target string) ([]string, error) {
	from, err := c.windowStart(target)
	if err != nil {
		return nil, err
	}

	dates, err := c.db.AwardDatesInRange(userID, from, target)
	if err != nil {
		return nil, err
	}

	return Walk(target, dates, c.lookback)
}

// Length returns the number of days in the run ending at target
func (c *Calculator) Length(userID, target string) (int, error) {
	run, err := c.Run(userID, target)
	if err != nil {
		return 0, err
	}
	return len(run), nil
}

// XPBetween totals the XP granted for the days in [from, to]
func (c *Calculator) XPBetween(userID, from, to string) (int64, error) {
	if !datekey.Valid(from) || !datekey.Valid(to) {
		return 0, fmt.Errorf("invalid date range %q to %q", from, to)
	}
	return c.db.SumXP(userID, from, to)
}

func (c *Calculator) windowStart(target string) (string, error) {
	if !datekey.Valid(target) {
		return "", fmt.Errorf("invalid target date %q", target)
	}
	return datekey.AddDays(target, -(c.lookback - 1))
}

// Walk steps backward one day at a time from target through dates, which
// must be sorted most recent first, and stops at the first missing day or
// after limit days.
func Walk(target string, dates []string, limit int) ([]string, error) {
	var run []string
	expected := target

	for _, d := range dates {
		if len(run) == limit {
			break
		}
		if d > expected {
			continue
		}
		if d < expected {
			break
		}

		run = append(run, d)
		prev, err := datekey.AddDays(expected, -1)
		if err != nil {
			return nil, err
		}
		expected = prev
	}

	return run, nil
}
