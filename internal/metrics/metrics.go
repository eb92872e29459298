package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label value constants to prevent typos
const (
	// Results
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"

	// Sync cycle outcomes
	OutcomeSynced       = "synced"
	OutcomePartial      = "partial"
	OutcomeAuthFailed   = "auth_failed"
	OutcomeFailed       = "failed"
	OutcomeSkippedGuest = "skipped_guest"
	OutcomeCircuitOpen  = "circuit_open"
	OutcomeCancelled    = "cancelled"
	OutcomeNoRemote     = "no_remote"

	// Sync triggers
	TriggerManual   = "manual"
	TriggerDebounce = "debounce"
	TriggerPeriodic = "periodic"

	// Sync event results
	EventPushed        = "pushed"
	EventAlreadySynced = "already_synced"
	EventSerialization = "serialization_skipped"
	EventPulled        = "pulled"
	EventPullRejected  = "pull_rejected"

	// Sync directions
	DirectionPush = "push"
	DirectionPull = "pull"

	// HTTP endpoints
	EndpointProgress   = "progress"
	EndpointSync       = "sync"
	EndpointSyncStatus = "sync_status"
	EndpointStreak     = "streak"
	EndpointHabits     = "habits"
	EndpointHealth     = "health"

	// Remote store operations
	RemoteOpGet    = "get"
	RemoteOpCommit = "commit_batch"
	RemoteOpList   = "list"

	// Aggregate entities
	EntityHabit      = "habit"
	EntityCompletion = "completion_record"
	EntityAward      = "daily_award"

	// Award changes
	AwardCreated = "created"
	AwardDeleted = "deleted"

	// Migration outcomes
	MigrationCompleted  = "completed"
	MigrationSkipped    = "skipped"
	MigrationRolledBack = "rolled_back"
	MigrationBlocked    = "blocked"

	// Migration stages
	StageBackup       = "backup"
	StageTransform    = "transform"
	StageValidate     = "validate"
	StageCommit       = "commit"
	StageMarkComplete = "mark_complete"
	StageRollback     = "rollback"

	// Database operations
	DBOpInsertEvent              = "insert_event"
	DBOpGetEvent                 = "get_event"
	DBOpListEventsForKey         = "list_events_for_key"
	DBOpListUnsyncedEvents       = "list_unsynced_events"
	DBOpMarkEventsSynced         = "mark_events_synced"
	DBOpCountUnsyncedEvents      = "count_unsynced_events"
	DBOpDeleteMigrationEvents    = "delete_migration_events"
	DBOpFindCompletion           = "find_completion"
	DBOpSaveCompletion           = "save_completion"
	DBOpDeleteCompletions        = "delete_completions"
	DBOpFindAward                = "find_award"
	DBOpSaveAward                = "save_award"
	DBOpDeleteAwards             = "delete_awards"
	DBOpAwardRange               = "award_range"
	DBOpListHabits               = "list_habits"
	DBOpSaveHabit                = "save_habit"
	DBOpDeleteHabits             = "delete_habits"
	DBOpFindDuplicates           = "find_duplicates"
	DBOpGetFlag                  = "get_flag"
	DBOpSetFlag                  = "set_flag"
	DBOpGetAccount               = "get_account"
	DBOpUpsertAccount            = "upsert_account"
	DBOpSnapshot                 = "snapshot"
	DBOpRestore                  = "restore"
	DBOpGetCircuitBreakerState   = "get_circuit_breaker_state"
	DBOpOpenCircuitBreaker       = "open_circuit_breaker"
	DBOpTransitionCircuitBreaker = "transition_circuit_breaker"
)

// HTTP Metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"endpoint", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint", "status_code"},
	)
)

// Event log metrics
var (
	EventsAppendedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "progress_events_appended_total",
			Help: "Total number of progress events appended locally",
		},
		[]string{"event_type"},
	)

	EventsUnsynced = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "progress_events_unsynced",
			Help: "Number of progress events waiting to be pushed",
		},
	)

	AwardChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daily_award_changes_total",
			Help: "Total number of daily awards created or deleted by projection",
		},
		[]string{"change"},
	)
)

// Sync Metrics
var (
	SyncCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_cycles_total",
			Help: "Total number of sync cycles by trigger and outcome",
		},
		[]string{"trigger", "outcome"},
	)

	SyncCycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_cycle_duration_seconds",
			Help:    "Time spent in a sync cycle",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"outcome"},
	)

	SyncBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_batches_total",
			Help: "Total number of event batches committed to the remote store",
		},
		[]string{"result"},
	)

	SyncEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_events_total",
			Help: "Total number of events handled by sync, by result",
		},
		[]string{"result"},
	)

	SyncHabitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_habits_total",
			Help: "Total number of habit documents pushed or pulled",
		},
		[]string{"direction"},
	)

	SyncActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_active",
			Help: "Whether a sync cycle is currently running (1) or not (0)",
		},
	)
)

// Remote store Metrics
var (
	RemoteRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remote_store_requests_total",
			Help: "Total number of remote document store requests",
		},
		[]string{"backend", "operation", "result"},
	)

	RemoteRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remote_store_request_duration_seconds",
			Help:    "Remote document store latency in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"backend", "operation"},
	)
)

// Database Metrics
var (
	DBOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_operation_duration_seconds",
			Help:    "Database operation latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)

	DBOperationErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_operation_errors_total",
			Help: "Total number of database operation errors",
		},
		[]string{"operation"},
	)
)

// Deduplication Metrics
var (
	DedupRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedup_runs_total",
			Help: "Total number of deduplication passes",
		},
		[]string{"result"},
	)

	DedupDeletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedup_deletions_total",
			Help: "Total number of duplicate rows deleted",
		},
		[]string{"entity"},
	)
)

// Migration Metrics
var (
	MigrationRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migration_runs_total",
			Help: "Total number of migration runs by outcome",
		},
		[]string{"outcome"},
	)

	MigrationStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "migration_stage_duration_seconds",
			Help:    "Time spent in each migration stage",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)

	MigrationEventsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "migration_events_created_total",
			Help: "Total number of progress events synthesized from legacy records",
		},
	)
)

// Circuit Breaker Metrics
var (
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		},
		[]string{"breaker_type"},
	)

	CircuitBreakerOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "circuit_breaker_opened_total",
			Help: "Total number of times the sync circuit breaker opened on authentication failures",
		},
	)

	CircuitBreakerRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "circuit_breaker_recovered_total",
			Help: "Total number of times circuit breaker recovered to closed state",
		},
	)
)
