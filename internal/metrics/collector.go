package metrics

import (
	"context"
	"log/slog"
	"time"
)

// DB interface for backlog queries
type DB interface {
	CountUnsyncedEvents() (int, error)
}

// StartBacklogCollector starts a background loop that periodically records
// how many progress events are still waiting to be pushed
func StartBacklogCollector(ctx context.Context, db DB, interval time.Duration) {
	logger := slog.Default()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect once immediately
	collectBacklog(db, logger)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Backlog collector stopping")
			return
		case <-ticker.C:
			collectBacklog(db, logger)
		}
	}
}

func collectBacklog(db DB, logger *slog.Logger) {
	count, err := db.CountUnsyncedEvents()
	if err != nil {
		logger.Error("Failed to count unsynced events", "error", err)
		return
	}
	EventsUnsynced.Set(float64(count))
}
