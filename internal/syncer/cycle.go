package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"habit-sync/internal/database"
	"habit-sync/internal/datekey"
	"habit-sync/internal/identity"
	"habit-sync/internal/metrics"
	"habit-sync/internal/remote"
)

// cycle runs one full sync: habits and events are pushed, then the recent
// remote months are pulled, then duplicates are collapsed. Batch failures
// are contained to their batch; authentication failures and cancellation
// end the cycle.
func (c *Coordinator) cycle(ctx context.Context, trigger string) (report Report, err error) {
	start := c.now()
	report = Report{Trigger: trigger, StartedAt: start}

	defer func() {
		report.Duration = c.now().Sub(start)
		if report.Outcome == "" {
			report.Outcome = outcomeOf(report, err)
		}
		metrics.SyncCyclesTotal.WithLabelValues(trigger, report.Outcome).Inc()
		metrics.SyncCycleDuration.WithLabelValues(report.Outcome).Observe(report.Duration.Seconds())
	}()

	userID, err := c.identity.CurrentUser()
	if err != nil {
		return report, err
	}
	if identity.IsGuest(userID) {
		report.Outcome = metrics.OutcomeSkippedGuest
		c.logger.Debug("Skipping sync for guest")
		return report, nil
	}
	report.UserID = userID

	if c.store == nil {
		report.Outcome = metrics.OutcomeNoRemote
		return report, ErrNoRemote
	}

	breaker, err := c.checkCircuitBreaker()
	if err != nil {
		return report, err
	}
	if breaker.State == database.BreakerOpen && trigger != metrics.TriggerManual {
		report.Outcome = metrics.OutcomeCircuitOpen
		return report, ErrCircuitOpen
	}

	metrics.SyncActive.Set(1)
	defer metrics.SyncActive.Set(0)

	c.logger.Info("Starting sync cycle", "user_id", userID, "trigger", trigger)

	phases := []func(context.Context, string, *Report) error{
		c.pushHabits,
		c.pushEvents,
		c.pullHabits,
		c.pullEvents,
	}
	for _, phase := range phases {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := phase(ctx, userID, &report); err != nil {
			if errors.Is(err, remote.ErrAuthentication) {
				c.openCircuitBreaker(err)
			}
			c.recordResult(userID, start, err)
			return report, err
		}
	}

	if c.dedup != nil {
		dr, err := c.dedup.Run()
		if err != nil {
			return report, err
		}
		report.Deduplicated = dr.Total()
	}

	var cycleErr error
	if len(report.Errors) > 0 {
		cycleErr = errors.New(report.Errors[0])
	}
	c.recordResult(userID, start, cycleErr)

	if cycleErr == nil && breaker.State != database.BreakerClosed {
		c.recordBreakerSuccess(breaker)
	}

	c.logger.Info("Sync cycle finished",
		"user_id", userID,
		"pushed", report.Pushed,
		"already_synced", report.AlreadySynced,
		"skipped", report.Skipped,
		"failed_batches", report.FailedBatches,
		"pulled", report.Pulled,
		"deduplicated", report.Deduplicated)

	return report, nil
}

func outcomeOf(report Report, err error) string {
	switch {
	case errors.Is(err, remote.ErrAuthentication):
		return metrics.OutcomeAuthFailed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeCancelled
	case err != nil:
		return metrics.OutcomeFailed
	case len(report.Errors) > 0:
		return metrics.OutcomePartial
	default:
		return metrics.OutcomeSynced
	}
}

// batchContext bounds one batch. It ignores cancellation of parent so a
// batch that has started is never abandoned halfway.
func (c *Coordinator) batchContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), c.batchTimeout)
}

// contain decides whether a phase error ends the cycle. Authentication
// errors do; anything else is recorded and the cycle moves on.
func (c *Coordinator) contain(report *Report, what string, err error) error {
	if errors.Is(err, remote.ErrAuthentication) {
		return err
	}
	c.logger.Error("Sync step failed", "step", what, "error", err)
	report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", what, err))
	return nil
}

// pushEvents walks the unsynced events in batches. The cursor moves past
// failed batches so one bad batch cannot stall the rest.
func (c *Coordinator) pushEvents(ctx context.Context, userID string, report *Report) error {
	var cursor *database.EventCursor
	for batchNum := 1; ; batchNum++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := c.ledger.Unsynced(userID, cursor, c.batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		last := batch[len(batch)-1]
		cursor = &database.EventCursor{CreatedAt: last.CreatedAt, ID: last.ID}

		pushed := report.Pushed
		if err := c.pushBatch(ctx, batch, report); err != nil {
			metrics.SyncBatchesTotal.WithLabelValues(metrics.ResultFailure).Inc()
			if err := c.contain(report, fmt.Sprintf("batch %d", batchNum), err); err != nil {
				return err
			}
			report.FailedBatches++
			continue
		}
		if report.Pushed == pushed {
			// Nothing written: every event was already on the remote or skipped
			metrics.SyncBatchesTotal.WithLabelValues(metrics.ResultSkipped).Inc()
			continue
		}
		metrics.SyncBatchesTotal.WithLabelValues(metrics.ResultSuccess).Inc()
	}
}

// pushBatch commits one batch atomically and marks it synced. Events the
// remote already holds under the same operation id are only marked.
func (c *Coordinator) pushBatch(ctx context.Context, batch []*database.ProgressEvent, report *Report) error {
	bctx, cancel := c.batchContext(ctx)
	defer cancel()

	var writes []remote.Write
	var synced []string
	var already, skipped int

	for _, e := range batch {
		path := remote.EventPath(e.UserID, e.DateKey, e.ID)

		data, err := remote.EncodeEvent(e)
		if err != nil {
			if errors.Is(err, remote.ErrSerialization) {
				c.logger.Warn("Skipping event that cannot be serialized",
					"event_id", e.ID,
					"error", err)
				metrics.SyncEventsTotal.WithLabelValues(metrics.EventSerialization).Inc()
				skipped++
				continue
			}
			return err
		}

		existing, err := c.store.Get(bctx, path)
		switch {
		case err == nil:
			if op, opErr := remote.OperationIDOf(existing); opErr == nil && op == e.OperationID {
				synced = append(synced, e.ID)
				already++
				continue
			}
		case errors.Is(err, remote.ErrNotFound):
		default:
			return err
		}

		writes = append(writes, remote.Write{Path: path, Data: data, Merge: true})
		synced = append(synced, e.ID)
	}

	if len(writes) > 0 {
		if err := c.store.CommitBatch(bctx, writes); err != nil {
			return err
		}
	}
	if len(synced) > 0 {
		if _, err := c.ledger.MarkSynced(synced); err != nil {
			return fmt.Errorf("failed to mark batch synced: %w", err)
		}
	}

	report.Pushed += len(writes)
	report.AlreadySynced += already
	report.Skipped += skipped
	metrics.SyncEventsTotal.WithLabelValues(metrics.EventPushed).Add(float64(len(writes)))
	metrics.SyncEventsTotal.WithLabelValues(metrics.EventAlreadySynced).Add(float64(already))
	return nil
}

// pushHabits uploads the newest copy of every habit changed locally
func (c *Coordinator) pushHabits(ctx context.Context, userID string, report *Report) error {
	rows, err := c.db.ListUnsyncedHabits(userID)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	var writes []remote.Write
	for _, h := range database.LatestHabits(rows) {
		data, err := remote.EncodeHabit(h)
		if err != nil {
			c.logger.Warn("Skipping habit that cannot be serialized", "habit_id", h.ID, "error", err)
			continue
		}
		writes = append(writes, remote.Write{Path: remote.HabitPath(userID, h.ID), Data: data, Merge: true})
	}

	for start := 0; start < len(writes); start += c.batchSize {
		end := min(start+c.batchSize, len(writes))
		bctx, cancel := c.batchContext(ctx)
		err := c.store.CommitBatch(bctx, writes[start:end])
		cancel()
		if err != nil {
			return c.contain(report, "push habits", err)
		}
	}

	if err := c.db.Update(func(tx *database.Tx) error {
		return tx.MarkHabitsSynced(rows)
	}); err != nil {
		return err
	}

	report.HabitsPushed += len(writes)
	metrics.SyncHabitsTotal.WithLabelValues(metrics.DirectionPush).Add(float64(len(writes)))
	return nil
}

// pullHabits imports habit documents newer than the local copies
func (c *Coordinator) pullHabits(ctx context.Context, userID string, report *Report) error {
	bctx, cancel := c.batchContext(ctx)
	docs, err := c.store.List(bctx, remote.HabitCollection(userID))
	cancel()
	if err != nil {
		return c.contain(report, "pull habits", err)
	}

	var habits []*database.Habit
	for _, doc := range docs {
		h, err := remote.DecodeHabit(doc)
		if err != nil {
			c.logger.Warn("Ignoring malformed habit document", "path", doc.Path, "error", err)
			continue
		}
		if h.UserID != userID {
			c.logger.Warn("Ignoring habit document of another user", "path", doc.Path)
			continue
		}
		habits = append(habits, h)
	}
	if len(habits) == 0 {
		return nil
	}

	n, err := c.ledger.ImportHabits(userID, habits, true)
	if err != nil {
		return err
	}
	report.HabitsPulled += n
	metrics.SyncHabitsTotal.WithLabelValues(metrics.DirectionPull).Add(float64(n))
	return nil
}

// pullEvents imports events of the recent months that are missing locally
func (c *Coordinator) pullEvents(ctx context.Context, userID string, report *Report) error {
	for _, month := range c.pullWindow() {
		if err := ctx.Err(); err != nil {
			return err
		}

		bctx, cancel := c.batchContext(ctx)
		docs, err := c.store.List(bctx, remote.EventCollection(userID, month))
		cancel()
		if err != nil {
			if err := c.contain(report, "pull "+month, err); err != nil {
				return err
			}
			continue
		}

		var events []*database.ProgressEvent
		for _, doc := range docs {
			e, err := remote.DecodeEvent(doc)
			if err != nil {
				c.logger.Warn("Ignoring malformed event document", "path", doc.Path, "error", err)
				metrics.SyncEventsTotal.WithLabelValues(metrics.EventPullRejected).Inc()
				continue
			}
			if e.UserID != userID {
				c.logger.Warn("Ignoring event document of another user", "path", doc.Path)
				metrics.SyncEventsTotal.WithLabelValues(metrics.EventPullRejected).Inc()
				continue
			}
			events = append(events, e)
		}
		if len(events) == 0 {
			continue
		}

		n, err := c.ledger.Import(events)
		if err != nil {
			return err
		}
		report.Pulled += n
		metrics.SyncEventsTotal.WithLabelValues(metrics.EventPulled).Add(float64(n))
	}
	return nil
}

// pullWindow lists the yyyy-MM month collections to read, newest first
func (c *Coordinator) pullWindow() []string {
	today := c.ledger.Days().Key(c.now())
	t, err := time.Parse(datekey.Layout, today)
	if err != nil {
		return nil
	}

	months := make([]string, 0, c.pullMonths)
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < c.pullMonths; i++ {
		months = append(months, first.AddDate(0, -i, 0).Format("2006-01"))
	}
	return months
}

// checkCircuitBreaker moves an open breaker whose cooldown has passed to
// half-open and returns the resulting state
func (c *Coordinator) checkCircuitBreaker() (*database.CircuitBreakerState, error) {
	state, err := c.db.GetCircuitBreakerState()
	if err != nil {
		return nil, fmt.Errorf("failed to check circuit breaker: %w", err)
	}

	if state.State == database.BreakerOpen && state.ClosesAt != nil && c.now().After(*state.ClosesAt) {
		c.logger.Info("Circuit breaker cooldown elapsed, transitioning to half_open")
		if err := c.db.TransitionCircuitBreakerToHalfOpen(); err != nil {
			return nil, fmt.Errorf("failed to transition to half_open: %w", err)
		}
		metrics.CircuitBreakerState.WithLabelValues(breakerLabel).Set(1)
		state.State = database.BreakerHalfOpen
	}

	return state, nil
}

// recordBreakerSuccess closes the breaker after enough successful half-open
// cycles. A manual cycle that succeeds while the breaker is open closes it
// straight away.
func (c *Coordinator) recordBreakerSuccess(breaker *database.CircuitBreakerState) {
	if breaker.State == database.BreakerHalfOpen {
		if err := c.db.IncrementCircuitBreakerSuccesses(); err != nil {
			c.logger.Error("Failed to record circuit breaker success", "error", err)
			return
		}
		state, err := c.db.GetCircuitBreakerState()
		if err != nil {
			c.logger.Error("Failed to check circuit breaker", "error", err)
			return
		}
		if state.ConsecutiveSuccesses < c.circuitRecovery {
			c.logger.Info("Sync succeeded in half_open",
				"successes", state.ConsecutiveSuccesses,
				"needed", c.circuitRecovery)
			return
		}
	}

	if err := c.db.TransitionCircuitBreakerToClosed(); err != nil {
		c.logger.Error("Failed to close circuit breaker", "error", err)
		return
	}
	metrics.CircuitBreakerState.WithLabelValues(breakerLabel).Set(0)
	metrics.CircuitBreakerRecovered.Inc()
	c.logger.Info("Sync circuit breaker closed")
}

func (c *Coordinator) openCircuitBreaker(cause error) {
	c.logger.Warn("Authentication failed, opening sync circuit breaker",
		"cooldown", c.circuitCooldown,
		"error", cause)

	if err := c.db.OpenCircuitBreaker(cause.Error(), c.now(), c.circuitCooldown); err != nil {
		c.logger.Error("Failed to open circuit breaker", "error", err)
		return
	}
	metrics.CircuitBreakerOpened.Inc()
	metrics.CircuitBreakerState.WithLabelValues(breakerLabel).Set(2)
}

func (c *Coordinator) recordResult(userID string, at time.Time, syncErr error) {
	if err := c.db.RecordSyncResult(userID, at, syncErr); err != nil {
		c.logger.Error("Failed to record sync result", "user_id", userID, "error", err)
	}
}
