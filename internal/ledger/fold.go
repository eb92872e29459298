package ledger

import (
	"sort"
	"time"

	"habit-sync/internal/database"
)

// Progress is the result of folding the events of one (habit, day)
type Progress struct {
	Value                int64
	Completed            bool
	CompletionTimestamps []time.Time
}

// SortEvents orders events by creation time, breaking ties by operation id.
// Every fold uses this order so replays are deterministic.
func SortEvents(events []*database.ProgressEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.OperationID < b.OperationID
	})
}

// Fold replays events against a goal. Increment, decrement and set_value
// deltas are summed. toggle_complete forces the completion state to the sign
// of its delta until the next delta event; otherwise the day is complete
// once the value reaches the goal. The value never goes below zero.
func Fold(events []*database.ProgressEvent, goal int64) Progress {
	if goal < 1 {
		goal = 1
	}

	ordered := append([]*database.ProgressEvent(nil), events...)
	SortEvents(ordered)

	var p Progress
	var sum int64
	var override *bool

	for _, e := range ordered {
		switch e.EventType {
		case database.EventTypeToggleComplete:
			on := e.ProgressDelta > 0
			override = &on
		default:
			sum += e.ProgressDelta
			override = nil
		}

		completed := clamp(sum) >= goal
		if override != nil {
			completed = *override
		}

		if completed && !p.Completed {
			p.CompletionTimestamps = append(p.CompletionTimestamps, e.CreatedAt)
		}
		p.Completed = completed
	}

	p.Value = clamp(sum)
	return p
}

func clamp(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
