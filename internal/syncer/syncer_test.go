package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"habit-sync/internal/config"
	"habit-sync/internal/database"
	"habit-sync/internal/datekey"
	"habit-sync/internal/dedup"
	"habit-sync/internal/identity"
	"habit-sync/internal/ledger"
	"habit-sync/internal/metrics"
	"habit-sync/internal/remote"
)

var day = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

type countingIdentity struct {
	user  string
	calls atomic.Int32
}

func (c *countingIdentity) CurrentUser() (string, error) {
	c.calls.Add(1)
	return c.user, nil
}

type device struct {
	db     *database.DB
	ledger *ledger.Ledger
	coord  *Coordinator
}

func testConfig() *config.Config {
	return &config.Config{
		SyncBatchSize:       2,
		SyncDebounce:        20 * time.Millisecond,
		SyncInterval:        time.Hour,
		SyncBatchTimeout:    5 * time.Second,
		SyncPullMonths:      2,
		SyncCircuitCooldown: time.Minute,
	}
}

func newDevice(t *testing.T, deviceID string, store remote.Store, ids identity.Provider, cfg *config.Config) *device {
	t.Helper()
	db, err := database.Open(t.TempDir() + "/" + deviceID + ".db")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var mu sync.Mutex
	clock := day
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}

	l := ledger.New(db, datekey.New(time.UTC), deviceID, ledger.WithClock(now))
	c := NewCoordinator(db, l, store, ids, dedup.NewManager(db), cfg, WithClock(now))
	return &device{db: db, ledger: l, coord: c}
}

func (d *device) add(t *testing.T, op string, delta int64) *database.ProgressEvent {
	t.Helper()
	e, err := d.ledger.Append(ledger.NewEvent{
		UserID:        "user-1",
		HabitID:       "h-1",
		EventType:     database.EventTypeIncrement,
		ProgressDelta: delta,
		DateKey:       "2024-03-10",
		OperationID:   op,
	})
	require.NoError(t, err)
	return e
}

func (d *device) unsynced(t *testing.T) int {
	t.Helper()
	n, err := d.db.CountUnsyncedEvents()
	require.NoError(t, err)
	return n
}

func eventDocs(store *remote.Memory) int {
	var n int
	for path := range store.Snapshot() {
		if remote.CollectionOf(path) == remote.EventCollection("user-1", "2024-03") {
			n++
		}
	}
	return n
}

func TestSyncPushesEventsInBatches(t *testing.T) {
	store := remote.NewMemory()
	d := newDevice(t, "device-a", store, identity.Static("user-1"), testConfig())

	_, err := d.ledger.CreateHabit("user-1", ledger.HabitInput{ID: "h-1", Name: "Read", StartDate: "2024-03-01"})
	require.NoError(t, err)
	for _, op := range []string{"op-1", "op-2", "op-3", "op-4", "op-5"} {
		d.add(t, op, 1)
	}

	report, err := d.coord.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeSynced, report.Outcome)
	assert.Equal(t, 5, report.Pushed)
	assert.Equal(t, 1, report.HabitsPushed)
	assert.Empty(t, report.Errors)

	// one habit commit, then batches of 2, 2 and 1
	assert.Equal(t, 4, store.Commits())
	assert.Equal(t, 5, eventDocs(store))
	assert.Equal(t, 0, d.unsynced(t))

	unsyncedHabits, err := d.db.ListUnsyncedHabits("user-1")
	require.NoError(t, err)
	assert.Empty(t, unsyncedHabits)

	status, err := d.coord.Status()
	require.NoError(t, err)
	assert.Equal(t, StateIdle, status.State)
	assert.NotNil(t, status.LastSyncAt)
	assert.Equal(t, database.BreakerClosed, status.CircuitBreaker)

	// A second cycle has nothing to push
	report, err = d.coord.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Pushed)
	assert.Equal(t, 4, store.Commits())
}

func TestSyncSkipsGuest(t *testing.T) {
	store := remote.NewMemory()
	d := newDevice(t, "device-a", store, identity.Static(""), testConfig())

	_, err := d.ledger.Append(ledger.NewEvent{UserID: identity.Guest, HabitID: "h-1", EventType: database.EventTypeIncrement, ProgressDelta: 1})
	require.NoError(t, err)

	report, err := d.coord.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeSkippedGuest, report.Outcome)
	assert.Zero(t, store.Commits())
	assert.Zero(t, store.Gets())
	assert.Equal(t, 1, d.unsynced(t))
}

func TestSyncWithoutRemote(t *testing.T) {
	d := newDevice(t, "device-a", nil, identity.Static("user-1"), testConfig())

	_, err := d.coord.SyncNow(context.Background())
	assert.ErrorIs(t, err, ErrNoRemote)

	status, err := d.coord.Status()
	require.NoError(t, err)
	assert.Equal(t, StateIdleWithError, status.State)
}

func batchCount(t *testing.T, result string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.SyncBatchesTotal.WithLabelValues(result).Write(&m))
	return m.GetCounter().GetValue()
}

func TestSyncSkipsWritesAlreadyOnRemote(t *testing.T) {
	store := remote.NewMemory()
	d := newDevice(t, "device-a", store, identity.Static("user-1"), testConfig())
	skippedBefore := batchCount(t, metrics.ResultSkipped)
	successBefore := batchCount(t, metrics.ResultSuccess)

	e := d.add(t, "op-1", 1)
	data, err := remote.EncodeEvent(e)
	require.NoError(t, err)
	store.Put(remote.EventPath(e.UserID, e.DateKey, e.ID), data)
	before := store.Snapshot()

	report, err := d.coord.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Pushed)
	assert.Equal(t, 1, report.AlreadySynced)
	assert.Zero(t, store.Commits())
	assert.Equal(t, 0, d.unsynced(t))
	assert.Equal(t, before, store.Snapshot())

	// The batch wrote nothing, so it counts as skipped
	assert.Equal(t, skippedBefore+1, batchCount(t, metrics.ResultSkipped))
	assert.Equal(t, successBefore, batchCount(t, metrics.ResultSuccess))
}

func TestSyncOverwritesDocumentWithOtherOperation(t *testing.T) {
	store := remote.NewMemory()
	d := newDevice(t, "device-a", store, identity.Static("user-1"), testConfig())

	e := d.add(t, "op-1", 1)
	path := remote.EventPath(e.UserID, e.DateKey, e.ID)
	store.Put(path, []byte(`{"operationId":"stale"}`))

	report, err := d.coord.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pushed)

	var doc remote.EventDocument
	require.NoError(t, json.Unmarshal(store.Snapshot()[path], &doc))
	assert.Equal(t, "op-1", doc.OperationID)
}

func TestBatchFailureContinuesWithNextBatch(t *testing.T) {
	store := remote.NewMemory()
	d := newDevice(t, "device-a", store, identity.Static("user-1"), testConfig())

	for _, op := range []string{"op-1", "op-2", "op-3", "op-4", "op-5"} {
		d.add(t, op, 1)
	}

	var calls atomic.Int32
	store.OnCommit(func(writes []remote.Write) error {
		if calls.Add(1) == 1 {
			return &remote.Error{Kind: remote.ErrTransient, Op: metrics.RemoteOpCommit, Err: errors.New("connection reset")}
		}
		return nil
	})

	report, err := d.coord.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomePartial, report.Outcome)
	assert.Equal(t, 1, report.FailedBatches)
	assert.Equal(t, 3, report.Pushed)
	assert.Equal(t, 2, d.unsynced(t))
	assert.Equal(t, 3, eventDocs(store))

	status, err := d.coord.Status()
	require.NoError(t, err)
	assert.Equal(t, StateIdleWithError, status.State)
	assert.Contains(t, status.LastError, "connection reset")

	// The failed batch goes out on the next cycle
	report, err = d.coord.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Pushed)
	assert.Equal(t, 0, d.unsynced(t))
	assert.Equal(t, 5, eventDocs(store))

	status, err = d.coord.Status()
	require.NoError(t, err)
	assert.Equal(t, StateIdle, status.State)
	assert.Empty(t, status.LastError)
}

func TestSerializationErrorSkipsOnlyThatEvent(t *testing.T) {
	store := remote.NewMemory()
	d := newDevice(t, "device-a", store, identity.Static("user-1"), testConfig())

	require.NoError(t, d.db.Update(func(tx *database.Tx) error {
		_, err := tx.InsertProgressEvent(&database.ProgressEvent{
			ID:            "bad",
			UserID:        "user-1",
			HabitID:       "h-1",
			DateKey:       "2024-3-10",
			EventType:     database.EventTypeIncrement,
			ProgressDelta: 1,
			CreatedAt:     day,
			DeviceID:      "device-a",
			OperationID:   "op-bad",
		})
		return err
	}))
	d.add(t, "op-1", 1)
	d.add(t, "op-2", 1)

	report, err := d.coord.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeSynced, report.Outcome)
	assert.Equal(t, 2, report.Pushed)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, d.unsynced(t))
}

func TestAuthenticationErrorAbortsCycle(t *testing.T) {
	store := remote.NewMemory()
	d := newDevice(t, "device-a", store, identity.Static("user-1"), testConfig())

	for _, op := range []string{"op-1", "op-2", "op-3"} {
		d.add(t, op, 1)
	}

	store.OnCommit(func(writes []remote.Write) error {
		return &remote.Error{Kind: remote.ErrAuthentication, Op: metrics.RemoteOpCommit, Err: errors.New("token expired")}
	})

	report, err := d.coord.SyncNow(context.Background())
	require.ErrorIs(t, err, remote.ErrAuthentication)
	assert.Equal(t, metrics.OutcomeAuthFailed, report.Outcome)
	assert.Equal(t, 1, store.Commits())
	assert.Equal(t, 3, d.unsynced(t))

	breaker, err := d.db.GetCircuitBreakerState()
	require.NoError(t, err)
	assert.Equal(t, database.BreakerOpen, breaker.State)

	status, err := d.coord.Status()
	require.NoError(t, err)
	assert.Equal(t, StateIdleWithError, status.State)

	// Scheduled cycles are held back while the breaker is open
	_, err = d.coord.cycle(context.Background(), metrics.TriggerPeriodic)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 1, store.Commits())

	// A manual sync still runs and closes the breaker once it succeeds
	store.OnCommit(nil)
	report, err = d.coord.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Pushed)

	breaker, err = d.db.GetCircuitBreakerState()
	require.NoError(t, err)
	assert.Equal(t, database.BreakerClosed, breaker.State)
}

func TestCircuitBreakerRecoversOnCoordinatorClock(t *testing.T) {
	store := remote.NewMemory()
	cfg := testConfig()
	cfg.SyncCircuitRecoveryCount = 2
	d := newDevice(t, "device-a", store, identity.Static("user-1"), cfg)

	var mu sync.Mutex
	clock := day
	d.coord.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	advance := func(by time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(by)
	}
	ctx := context.Background()

	d.add(t, "op-1", 1)
	store.OnCommit(func(writes []remote.Write) error {
		return &remote.Error{Kind: remote.ErrAuthentication, Op: metrics.RemoteOpCommit, Err: errors.New("token expired")}
	})
	_, err := d.coord.cycle(ctx, metrics.TriggerPeriodic)
	require.ErrorIs(t, err, remote.ErrAuthentication)

	breaker, err := d.db.GetCircuitBreakerState()
	require.NoError(t, err)
	require.Equal(t, database.BreakerOpen, breaker.State)
	require.NotNil(t, breaker.ClosesAt)
	assert.True(t, breaker.ClosesAt.Equal(day.Add(time.Minute)), "closes at %v", breaker.ClosesAt)

	store.OnCommit(nil)
	advance(30 * time.Second)
	_, err = d.coord.cycle(ctx, metrics.TriggerPeriodic)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	advance(31 * time.Second)
	_, err = d.coord.cycle(ctx, metrics.TriggerPeriodic)
	require.NoError(t, err)
	assert.Zero(t, d.unsynced(t))

	// One success is not enough to close
	breaker, err = d.db.GetCircuitBreakerState()
	require.NoError(t, err)
	assert.Equal(t, database.BreakerHalfOpen, breaker.State)
	assert.Equal(t, 1, breaker.ConsecutiveSuccesses)

	d.add(t, "op-2", 1)
	_, err = d.coord.cycle(ctx, metrics.TriggerPeriodic)
	require.NoError(t, err)

	breaker, err = d.db.GetCircuitBreakerState()
	require.NoError(t, err)
	assert.Equal(t, database.BreakerClosed, breaker.State)
	assert.Equal(t, 2, eventDocs(store))
}

func TestCancellationStopsAtBatchBoundary(t *testing.T) {
	store := remote.NewMemory()
	d := newDevice(t, "device-a", store, identity.Static("user-1"), testConfig())

	for _, op := range []string{"op-1", "op-2", "op-3", "op-4", "op-5"} {
		d.add(t, op, 1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store.OnCommit(func(writes []remote.Write) error {
		cancel()
		return nil
	})

	report, err := d.coord.cycle(ctx, metrics.TriggerPeriodic)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, metrics.OutcomeCancelled, report.Outcome)

	// The batch in flight completed and was marked; nothing after it ran
	assert.Equal(t, 1, store.Commits())
	assert.Equal(t, 2, report.Pushed)
	assert.Equal(t, 2, eventDocs(store))
	assert.Equal(t, 3, d.unsynced(t))
}

func TestConcurrentRequestsShareOneFollowUp(t *testing.T) {
	store := remote.NewMemory()
	ids := &countingIdentity{user: "user-1"}
	d := newDevice(t, "device-a", store, ids, testConfig())
	d.add(t, "op-1", 1)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	store.OnCommit(func(writes []remote.Write) error {
		once.Do(func() {
			close(entered)
			<-release
		})
		return nil
	})

	first := make(chan error, 1)
	go func() {
		_, err := d.coord.SyncNow(context.Background())
		first <- err
	}()
	<-entered

	f1 := d.coord.request(metrics.TriggerPeriodic)
	f2 := d.coord.request(metrics.TriggerDebounce)
	f3 := d.coord.request(metrics.TriggerManual)
	assert.Same(t, f1, f2)
	assert.Same(t, f2, f3)

	status, err := d.coord.Status()
	require.NoError(t, err)
	assert.Equal(t, StateSyncing, status.State)
	assert.True(t, status.FollowUp)

	close(release)
	require.NoError(t, <-first)
	<-f1.done
	require.NoError(t, f1.err)

	assert.Equal(t, int32(2), ids.calls.Load())
}

func TestTriggerDebouncesBursts(t *testing.T) {
	store := remote.NewMemory()
	cfg := testConfig()
	cfg.SyncDebounce = 200 * time.Millisecond
	ids := &countingIdentity{user: "user-1"}
	d := newDevice(t, "device-a", store, ids, cfg)
	d.ledger.SetNotifier(d.coord)

	for _, op := range []string{"op-1", "op-2", "op-3"} {
		d.add(t, op, 1)
	}

	require.Eventually(t, func() bool {
		n, err := d.db.CountUnsyncedEvents()
		return err == nil && n == 0 && ids.calls.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), ids.calls.Load())
	assert.Equal(t, 3, eventDocs(store))
}

func TestTriggerWhileDebounceFiresRunsOneCycle(t *testing.T) {
	cfg := testConfig()
	cfg.SyncDebounce = 50 * time.Millisecond
	ids := &countingIdentity{user: "user-1"}
	d := newDevice(t, "device-a", remote.NewMemory(), ids, cfg)

	d.coord.Trigger()

	// Hold the lock across the deadline so the callback is parked on it
	// when the next trigger arrives.
	d.coord.mu.Lock()
	time.Sleep(4 * cfg.SyncDebounce)
	d.coord.triggerLocked()
	d.coord.mu.Unlock()

	require.Eventually(t, func() bool {
		return ids.calls.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(6 * cfg.SyncDebounce)
	assert.Equal(t, int32(1), ids.calls.Load())

	d.coord.mu.Lock()
	defer d.coord.mu.Unlock()
	assert.Nil(t, d.coord.timer)
}

func TestStartRunsPeriodicCycles(t *testing.T) {
	cfg := testConfig()
	cfg.SyncInterval = 20 * time.Millisecond
	ids := &countingIdentity{user: "user-1"}
	d := newDevice(t, "device-a", remote.NewMemory(), ids, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.coord.Start(ctx) }()

	require.Eventually(t, func() bool {
		return ids.calls.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	// Triggers after shutdown are ignored
	calls := ids.calls.Load()
	d.coord.Trigger()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, calls, ids.calls.Load())
}

func TestPullIgnoresForeignAndMalformedDocuments(t *testing.T) {
	store := remote.NewMemory()
	d := newDevice(t, "device-a", store, identity.Static("user-1"), testConfig())

	foreign := &database.ProgressEvent{
		ID: "foreign", UserID: "user-2", HabitID: "h-1", DateKey: "2024-03-10",
		EventType: database.EventTypeIncrement, ProgressDelta: 1, CreatedAt: day,
		DeviceID: "device-x", OperationID: "op-x",
	}
	data, err := remote.EncodeEvent(foreign)
	require.NoError(t, err)
	collection := remote.EventCollection("user-1", "2024-03")
	store.Put(collection+"/foreign", data)
	store.Put(collection+"/garbage", []byte(`{"id": 1}`))

	report, err := d.coord.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Pulled)

	events, err := d.db.ListEvents("user-1", "2024-03-01", "2024-03-31")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestConcurrentOfflineEditAcrossDevices(t *testing.T) {
	store := remote.NewMemory()
	a := newDevice(t, "device-a", store, identity.Static("user-1"), testConfig())
	b := newDevice(t, "device-b", store, identity.Static("user-1"), testConfig())
	ctx := context.Background()

	_, err := a.ledger.CreateHabit("user-1", ledger.HabitInput{ID: "h-1", Name: "Read", Goal: 3, StartDate: "2024-03-01"})
	require.NoError(t, err)
	_, err = a.coord.SyncNow(ctx)
	require.NoError(t, err)
	report, err := b.coord.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.HabitsPulled)

	// Both devices record progress for the same day while offline
	a.add(t, "op-a", 1)
	b.add(t, "op-b", 2)

	_, err = a.coord.SyncNow(ctx)
	require.NoError(t, err)
	report, err = b.coord.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pulled)
	report, err = a.coord.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pulled)

	for name, d := range map[string]*device{"a": a, "b": b} {
		records, err := d.db.ListCompletionRecords("user-1")
		require.NoError(t, err, name)
		require.Len(t, records, 1, name)
		assert.Equal(t, int64(3), records[0].Value, name)
		assert.True(t, records[0].IsCompleted, name)

		awards, err := d.db.ListDailyAwards("user-1")
		require.NoError(t, err, name)
		assert.Len(t, awards, 1, name)
		assert.Equal(t, 0, d.unsynced(t), name)
	}
	assert.Equal(t, 2, eventDocs(store))
}

func TestOverlappingOperationsConvergeInAnyPushOrder(t *testing.T) {
	shared := func(op string, delta int64, at time.Duration) *database.ProgressEvent {
		return &database.ProgressEvent{
			ID:            "ev-" + op,
			UserID:        "user-1",
			HabitID:       "h-1",
			DateKey:       "2024-03-10",
			EventType:     database.EventTypeIncrement,
			ProgressDelta: delta,
			CreatedAt:     day.Add(at),
			DeviceID:      "device-origin",
			OperationID:   op,
		}
	}
	// Devices A and B both hold op-2 and op-3
	setA := []string{"op-1", "op-2", "op-3"}
	setB := []string{"op-4", "op-3", "op-2"}
	deltas := map[string]int64{"op-1": 1, "op-2": 2, "op-3": 3, "op-4": 4}

	converge := func(order ...string) map[string][]byte {
		store := remote.NewMemory()
		devices := map[string]*device{
			"a": newDevice(t, "device-a", store, identity.Static("user-1"), testConfig()),
			"b": newDevice(t, "device-b", store, identity.Static("user-1"), testConfig()),
		}
		for name, ops := range map[string][]string{"a": setA, "b": setB} {
			var events []*database.ProgressEvent
			for _, op := range ops {
				n, _ := strconv.Atoi(op[len("op-"):])
				events = append(events, shared(op, deltas[op], time.Duration(n)*time.Minute))
			}
			_, err := devices[name].ledger.Import(events)
			require.NoError(t, err)
		}

		for _, name := range order {
			_, err := devices[name].coord.SyncNow(context.Background())
			require.NoError(t, err)
		}

		for name, d := range devices {
			events, err := d.db.ListEvents("user-1", "2024-03-01", "2024-03-31")
			require.NoError(t, err, name)
			assert.Len(t, events, 4, name)
			assert.Equal(t, 0, d.unsynced(t), name)
		}

		// Syncing again changes nothing
		snap := store.Snapshot()
		for _, name := range order {
			_, err := devices[name].coord.SyncNow(context.Background())
			require.NoError(t, err)
		}
		assert.Equal(t, snap, store.Snapshot())
		return snap
	}

	first := converge("a", "b", "a")
	second := converge("b", "a", "b")
	assert.Len(t, first, 4)
	assert.Equal(t, first, second)
}
