package database

import (
	"errors"
	"fmt"
)

// Entity names used in DuplicateEntityError
const (
	EntityHabit            = "habit"
	EntityCompletionRecord = "completion_record"
	EntityDailyAward       = "daily_award"
)

// ErrDuplicateEntity matches any *DuplicateEntityError
var ErrDuplicateEntity = errors.New("duplicate entity")

// DuplicateEntityError is returned by single-row lookups that find more than
// one row for a natural key
type DuplicateEntityError struct {
	Entity string
	Key    string
	Count  int
}

func (e *DuplicateEntityError) Error() string {
	return fmt.Sprintf("%d copies of %s %s", e.Count, e.Entity, e.Key)
}

func (e *DuplicateEntityError) Is(target error) bool {
	return target == ErrDuplicateEntity
}
