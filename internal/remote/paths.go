package remote

import (
	"strings"

	"habit-sync/internal/datekey"
)

// EventCollection is the month collection holding a user's events:
// users/{userId}/events/{yyyy-MM}
func EventCollection(userID, yearMonth string) string {
	return "users/" + userID + "/events/" + yearMonth
}

// EventPath is the document path of one event
func EventPath(userID, dateKey, eventID string) string {
	return EventCollection(userID, datekey.YearMonth(dateKey)) + "/" + eventID
}

// HabitCollection holds a user's habit documents
func HabitCollection(userID string) string {
	return "users/" + userID + "/habits"
}

// HabitPath is the document path of one habit
func HabitPath(userID, habitID string) string {
	return HabitCollection(userID) + "/" + habitID
}

// CollectionOf returns the collection part of a document path
func CollectionOf(path string) string {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return ""
	}
	return path[:i]
}
