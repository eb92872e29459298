// Package ledger is the append-only progress event log together with the
// completion record and daily award views projected from it. Every mutation
// goes through database.DB.Update, so appends and projections never
// interleave.
package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"

	"habit-sync/internal/database"
	"habit-sync/internal/datekey"
	"habit-sync/internal/metrics"
)

// ErrMutationBlocked is returned by every mutation after a migration failed
// and could not be rolled back
var ErrMutationBlocked = errors.New("local data is blocked by a failed migration")

// ErrInvalidEvent is returned for events that cannot be appended
var ErrInvalidEvent = errors.New("invalid progress event")

// ErrHabitNotFound is returned by habit mutations on unknown ids
var ErrHabitNotFound = errors.New("habit not found")

// ErrInvalidHabit rejects habit input that cannot be stored
var ErrInvalidHabit = errors.New("invalid habit")

// ErrHabitExists is returned when creating a habit whose id is taken
var ErrHabitExists = errors.New("habit already exists")

// Notifier is told about every local append, typically a sync scheduler
type Notifier interface {
	Trigger()
}

// Ledger owns the event log and its materialized views
type Ledger struct {
	db        *database.DB
	days      *datekey.Provider
	deviceID  string
	awardXP   int64
	retention time.Duration
	notifier  Notifier
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Ledger
type Option func(*Ledger)

// WithAwardXP sets the XP granted by a daily award
func WithAwardXP(xp int64) Option {
	return func(l *Ledger) { l.awardXP = xp }
}

// WithRetention sets how long soft-deleted habits are kept
func WithRetention(d time.Duration) Option {
	return func(l *Ledger) { l.retention = d }
}

// WithNotifier registers the receiver of append notifications
func WithNotifier(n Notifier) Option {
	return func(l *Ledger) { l.notifier = n }
}

// WithLogger overrides slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithClock overrides time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a ledger writing events as deviceID
func New(db *database.DB, days *datekey.Provider, deviceID string, opts ...Option) *Ledger {
	l := &Ledger{
		db:        db,
		days:      days,
		deviceID:  deviceID,
		awardXP:   50,
		retention: 30 * 24 * time.Hour,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetNotifier registers the receiver of append notifications after
// construction, for schedulers that themselves depend on the ledger
func (l *Ledger) SetNotifier(n Notifier) {
	l.notifier = n
}

// AwardXP returns the XP granted per awarded day
func (l *Ledger) AwardXP() int64 {
	return l.awardXP
}

// Days returns the day key provider shared by every producer of date keys
func (l *Ledger) Days() *datekey.Provider {
	return l.days
}

// NewEvent describes a local progress mutation
type NewEvent struct {
	UserID        string
	HabitID       string
	EventType     database.EventType
	ProgressDelta int64

	// DateKey defaults to the day of At
	DateKey string

	// OperationID identifies the user action across retries. A fresh one is
	// generated when empty.
	OperationID string

	// At defaults to now
	At time.Time
}

// Append persists a local event and refreshes the views it affects. An event
// whose operation id was already recorded is not stored again; the original
// is returned instead.
func (l *Ledger) Append(ne NewEvent) (*database.ProgressEvent, error) {
	if ne.UserID == "" || ne.HabitID == "" {
		return nil, fmt.Errorf("%w: user and habit are required", ErrInvalidEvent)
	}
	if !ne.EventType.Valid() {
		return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, ne.EventType)
	}

	at := ne.At
	if at.IsZero() {
		at = l.now()
	}
	dateKey := ne.DateKey
	if dateKey == "" {
		dateKey = l.days.Key(at)
	}
	if !datekey.Valid(dateKey) {
		return nil, fmt.Errorf("%w: bad date key %q", ErrInvalidEvent, dateKey)
	}
	opID := ne.OperationID
	if opID == "" {
		opID = uuid.NewString()
	}

	id, err := ksuid.NewRandomWithTime(at)
	if err != nil {
		return nil, fmt.Errorf("failed to generate event id: %w", err)
	}

	event := &database.ProgressEvent{
		ID:            id.String(),
		UserID:        ne.UserID,
		HabitID:       ne.HabitID,
		DateKey:       dateKey,
		EventType:     ne.EventType,
		ProgressDelta: ne.ProgressDelta,
		CreatedAt:     at,
		DeviceID:      l.deviceID,
		OperationID:   opID,
		Source:        database.SourceLocal,
	}

	var inserted bool
	err = l.db.Update(func(tx *database.Tx) error {
		if err := checkBlocked(tx); err != nil {
			return err
		}

		existing, err := tx.GetProgressEventByOperation(ne.UserID, opID)
		if err != nil {
			return err
		}
		if existing != nil {
			event = existing
			return nil
		}

		inserted, err = tx.InsertProgressEvent(event)
		if err != nil {
			return err
		}
		return l.project(tx, database.CompletionKey{UserID: ne.UserID, HabitID: ne.HabitID, DateKey: dateKey})
	})
	if err != nil {
		return nil, err
	}

	if inserted {
		metrics.EventsAppendedTotal.WithLabelValues(string(event.EventType)).Inc()
		l.logger.Debug("Appended progress event",
			"event_id", event.ID,
			"habit_id", event.HabitID,
			"date_key", event.DateKey,
			"event_type", event.EventType)
		if l.notifier != nil {
			l.notifier.Trigger()
		}
	}

	return event, nil
}

// Unsynced returns up to limit unsynced events, oldest first, strictly after
// the cursor when one is given
func (l *Ledger) Unsynced(userID string, after *database.EventCursor, limit int) ([]*database.ProgressEvent, error) {
	return l.db.ListUnsyncedEvents(userID, after, limit)
}

// MarkSynced flips the synced flag of ids in one transaction
func (l *Ledger) MarkSynced(ids []string) (int64, error) {
	var n int64
	err := l.db.Update(func(tx *database.Tx) error {
		var err error
		n, err = tx.MarkEventsSynced(ids, l.now())
		return err
	})
	return n, err
}

// Import stores events that originated elsewhere, a remote store or the
// legacy migration, and projects the keys they touch. Events already present
// by id or operation id are skipped. It returns the number stored.
func (l *Ledger) Import(events []*database.ProgressEvent) (int, error) {
	var stored int
	err := l.db.Update(func(tx *database.Tx) error {
		if err := checkBlocked(tx); err != nil {
			return err
		}

		touched := make(map[database.CompletionKey]bool)
		var order []database.CompletionKey
		for _, e := range events {
			ok, err := tx.InsertProgressEvent(e)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			stored++
			key := database.CompletionKey{UserID: e.UserID, HabitID: e.HabitID, DateKey: e.DateKey}
			if !touched[key] {
				touched[key] = true
				order = append(order, key)
			}
		}

		for _, key := range order {
			if err := l.project(tx, key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return stored, nil
}

// Rebuild refolds every completion record and award of a user from the log
func (l *Ledger) Rebuild(userID string) error {
	return l.db.Update(func(tx *database.Tx) error {
		if err := checkBlocked(tx); err != nil {
			return err
		}
		keys, err := tx.EventKeys(userID)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := l.project(tx, key); err != nil {
				return err
			}
		}
		return l.recomputeAllAwards(tx, userID)
	})
}

// Blocked reports whether mutations are currently refused
func (l *Ledger) Blocked() (bool, error) {
	return l.db.GetFlag(database.FlagMigrationBlocked)
}

func checkBlocked(tx *database.Tx) error {
	blocked, err := tx.GetFlag(database.FlagMigrationBlocked)
	if err != nil {
		return err
	}
	if blocked {
		return ErrMutationBlocked
	}
	return nil
}
