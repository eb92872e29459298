// Package syncer pushes the local event log to the remote document store and
// pulls other devices' events back.
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"habit-sync/internal/config"
	"habit-sync/internal/database"
	"habit-sync/internal/dedup"
	"habit-sync/internal/identity"
	"habit-sync/internal/ledger"
	"habit-sync/internal/metrics"
	"habit-sync/internal/remote"
)

// State is the coordinator's position in its state machine
type State string

const (
	StateIdle          State = "idle"
	StateSyncing       State = "syncing"
	StateIdleWithError State = "idle_with_error"
)

// breakerLabel is the breaker_type label of the circuit breaker gauge
const breakerLabel = "sync_auth"

// ErrNoRemote is returned by cycles when no remote backend is configured
var ErrNoRemote = errors.New("no remote store configured")

// ErrCircuitOpen is returned by scheduled cycles skipped by an open breaker
var ErrCircuitOpen = errors.New("sync circuit breaker is open")

// Report summarises one sync cycle
type Report struct {
	Trigger       string        `json:"trigger"`
	UserID        string        `json:"user_id,omitempty"`
	Outcome       string        `json:"outcome"`
	Pushed        int           `json:"pushed"`
	AlreadySynced int           `json:"already_synced"`
	Skipped       int           `json:"skipped"`
	FailedBatches int           `json:"failed_batches"`
	Pulled        int           `json:"pulled"`
	HabitsPushed  int           `json:"habits_pushed"`
	HabitsPulled  int           `json:"habits_pulled"`
	Deduplicated  int64         `json:"deduplicated"`
	Errors        []string      `json:"errors,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
}

// Status is what the sync status indicator shows
type Status struct {
	State          State      `json:"state"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	LastReport     *Report    `json:"last_report,omitempty"`
	FollowUp       bool       `json:"follow_up_scheduled"`
	Unsynced       int        `json:"unsynced_events"`
	CircuitBreaker string     `json:"circuit_breaker"`
}

// flight is one scheduled or running cycle. Callers that join it wait on done.
type flight struct {
	trigger string
	done    chan struct{}
	report  Report
	err     error
}

// Coordinator runs sync cycles one at a time. Requests arriving while a cycle
// runs share a single follow-up cycle.
type Coordinator struct {
	db       *database.DB
	ledger   *ledger.Ledger
	store    remote.Store
	identity identity.Provider
	dedup    *dedup.Manager
	logger   *slog.Logger
	now      func() time.Time

	batchSize       int
	debounce        time.Duration
	interval        time.Duration
	batchTimeout    time.Duration
	pullMonths      int
	circuitCooldown time.Duration
	circuitRecovery int

	mu         sync.Mutex
	base       context.Context
	current    *flight
	next       *flight
	timer      *time.Timer
	stopped    bool
	state      State
	lastSyncAt *time.Time
	lastErr    error
	lastReport *Report
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithClock replaces time.Now, which decides the months the pull phase reads
// and when the circuit breaker cooldown ends
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a sync coordinator. store may be nil when no remote
// backend is configured; cycles then report ErrNoRemote.
func NewCoordinator(db *database.DB, l *ledger.Ledger, store remote.Store, ids identity.Provider, dd *dedup.Manager, cfg *config.Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		db:              db,
		ledger:          l,
		store:           store,
		identity:        ids,
		dedup:           dd,
		logger:          slog.Default(),
		now:             time.Now,
		batchSize:       cfg.SyncBatchSize,
		debounce:        cfg.SyncDebounce,
		interval:        cfg.SyncInterval,
		batchTimeout:    cfg.SyncBatchTimeout,
		pullMonths:      cfg.SyncPullMonths,
		circuitCooldown: cfg.SyncCircuitCooldown,
		circuitRecovery: max(cfg.SyncCircuitRecoveryCount, 1),
		base:            context.Background(),
		state:           StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.batchSize < 1 {
		c.batchSize = 50
	}
	if c.batchTimeout <= 0 {
		c.batchTimeout = 30 * time.Second
	}
	return c
}

// Start runs the periodic timer until ctx is cancelled. Cycles started from
// then on stop at the next batch boundary once ctx is done.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	c.base = ctx
	c.stopped = false
	c.mu.Unlock()

	c.logger.Info("Starting sync coordinator",
		"interval", c.interval,
		"debounce", c.debounce,
		"batch_size", c.batchSize)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Stopping sync coordinator")
			c.Stop()
			return ctx.Err()
		case <-ticker.C:
			c.request(metrics.TriggerPeriodic)
		}
	}
}

// Stop cancels the pending debounce and waits for the in-flight cycles.
// Triggers are ignored afterwards until Start runs again.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	var waits []*flight
	if c.current != nil {
		waits = append(waits, c.current)
	}
	if c.next != nil {
		waits = append(waits, c.next)
	}
	c.mu.Unlock()

	for _, f := range waits {
		<-f.done
	}
}

// Trigger schedules a cycle once mutations have been quiet for the debounce
// period. It never blocks.
func (c *Coordinator) Trigger() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.triggerLocked()
}

func (c *Coordinator) triggerLocked() {
	if c.stopped {
		return
	}
	if c.timer != nil {
		// A timer that already fired has its callback waiting on mu and
		// will request the cycle itself.
		if c.timer.Stop() {
			c.timer.Reset(c.debounce)
		}
		return
	}
	var t *time.Timer
	t = time.AfterFunc(c.debounce, func() {
		c.mu.Lock()
		if c.timer != t {
			c.mu.Unlock()
			return
		}
		c.timer = nil
		stopped := c.stopped
		c.mu.Unlock()
		if !stopped {
			c.request(metrics.TriggerDebounce)
		}
	})
	c.timer = t
}

// SyncNow runs a cycle and waits for its result. If a cycle is already
// running, the caller joins the follow-up cycle scheduled after it.
func (c *Coordinator) SyncNow(ctx context.Context) (Report, error) {
	f := c.request(metrics.TriggerManual)
	select {
	case <-f.done:
		return f.report, f.err
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
}

// request returns the flight that will serve a new sync request, starting
// one if nothing is running
func (c *Coordinator) request(trigger string) *flight {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		c.current = &flight{trigger: trigger, done: make(chan struct{})}
		go c.fly(c.current)
		return c.current
	}
	if c.next == nil {
		c.next = &flight{trigger: trigger, done: make(chan struct{})}
	} else if trigger == metrics.TriggerManual {
		c.next.trigger = trigger
	}
	return c.next
}

// fly runs f and then the follow-up, if one was requested meanwhile
func (c *Coordinator) fly(f *flight) {
	for f != nil {
		c.mu.Lock()
		ctx := c.base
		c.state = StateSyncing
		c.mu.Unlock()

		f.report, f.err = c.cycle(ctx, f.trigger)

		c.mu.Lock()
		c.finish(f.report, f.err)
		close(f.done)
		c.current = c.next
		c.next = nil
		f = c.current
		c.mu.Unlock()
	}
}

// finish records a cycle's outcome. Called with mu held.
func (c *Coordinator) finish(report Report, err error) {
	r := report
	c.lastReport = &r

	switch {
	case err != nil:
		c.state = StateIdleWithError
		c.lastErr = err
	case report.Outcome == metrics.OutcomeSkippedGuest:
		c.state = StateIdle
	case len(report.Errors) > 0:
		c.state = StateIdleWithError
		c.lastErr = errors.New(report.Errors[0])
		at := report.StartedAt
		c.lastSyncAt = &at
	default:
		c.state = StateIdle
		c.lastErr = nil
		at := report.StartedAt
		c.lastSyncAt = &at
	}
}

// Status returns the current state, the last cycle's result and the backlog
func (c *Coordinator) Status() (Status, error) {
	c.mu.Lock()
	s := Status{
		State:      c.state,
		LastSyncAt: c.lastSyncAt,
		LastReport: c.lastReport,
		FollowUp:   c.next != nil,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	c.mu.Unlock()

	unsynced, err := c.db.CountUnsyncedEvents()
	if err != nil {
		return s, err
	}
	s.Unsynced = unsynced

	breaker, err := c.db.GetCircuitBreakerState()
	if err != nil {
		return s, err
	}
	s.CircuitBreaker = breaker.State

	return s, nil
}
