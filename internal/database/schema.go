package database

// Schema contains all SQL statements for creating tables, indexes and triggers.
// Timestamps in the habit tables are unix milliseconds.
const Schema = `
-- Accounts table: users who have signed in on this device
CREATE TABLE IF NOT EXISTS accounts (
    user_id TEXT PRIMARY KEY,
    display_name TEXT NOT NULL DEFAULT '',

    -- Only one account is active at a time
    active BOOLEAN NOT NULL DEFAULT 0,

    -- Sync status tracking
    last_sync_at INTEGER,
    sync_error TEXT,

    -- Metadata
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

-- Habits table: root entity. row_id is a surrogate key so that copies pulled
-- from other devices can coexist until deduplication collapses them.
CREATE TABLE IF NOT EXISTS habits (
    row_id INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL,
    user_id TEXT NOT NULL,

    name TEXT NOT NULL,
    schedule INTEGER NOT NULL DEFAULT 127,  -- weekday bitmask, bit 0 = Sunday
    goal INTEGER NOT NULL DEFAULT 1,
    start_date TEXT NOT NULL,               -- YYYY-MM-DD

    -- Soft delete, hard deleted after the retention window
    deleted BOOLEAN NOT NULL DEFAULT 0,
    deleted_at INTEGER,

    synced BOOLEAN NOT NULL DEFAULT 0,

    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

-- Progress events: the append-only ground truth
CREATE TABLE IF NOT EXISTS progress_events (
    id TEXT PRIMARY KEY,                    -- ksuid, sortable by creation
    user_id TEXT NOT NULL,
    habit_id TEXT NOT NULL,
    date_key TEXT NOT NULL,
    event_type TEXT NOT NULL CHECK (event_type IN ('increment', 'decrement', 'toggle_complete', 'set_value')),
    progress_delta INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    device_id TEXT NOT NULL,
    operation_id TEXT NOT NULL,
    source TEXT NOT NULL DEFAULT 'local' CHECK (source IN ('local', 'remote', 'migration')),

    -- The only mutable column
    synced BOOLEAN NOT NULL DEFAULT 0,
    synced_at INTEGER
);

-- Completion records: per (user, habit, day) projection of the event log
CREATE TABLE IF NOT EXISTS completion_records (
    row_id INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    habit_id TEXT NOT NULL,
    date_key TEXT NOT NULL,

    value INTEGER NOT NULL DEFAULT 0,
    is_completed BOOLEAN NOT NULL DEFAULT 0,
    completion_timestamps TEXT NOT NULL DEFAULT '[]',  -- JSON array of unix millis

    created_at INTEGER NOT NULL,
    updated_at INTEGER
);

-- Daily awards: per (user, day) aggregate, present iff every active habit is complete
CREATE TABLE IF NOT EXISTS daily_awards (
    row_id INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    date_key TEXT NOT NULL,

    xp_granted INTEGER NOT NULL,
    all_habits_completed BOOLEAN NOT NULL DEFAULT 1,

    created_at INTEGER NOT NULL
);

-- Local flags: one-shot completion markers
CREATE TABLE IF NOT EXISTS local_flags (
    key TEXT PRIMARY KEY,
    value BOOLEAN NOT NULL,
    updated_at INTEGER NOT NULL
);

-- Device settings: values fixed at first start, such as the device id
CREATE TABLE IF NOT EXISTS device_settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Sync circuit breaker: single row, opened by authentication failures
CREATE TABLE IF NOT EXISTS sync_circuit_breaker (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    state TEXT NOT NULL DEFAULT 'closed',   -- closed, open, half_open
    opened_at INTEGER,
    closes_at INTEGER,
    last_failure_at INTEGER,
    last_error TEXT,
    consecutive_successes INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL
);

INSERT OR IGNORE INTO sync_circuit_breaker (id, state, updated_at) VALUES (1, 'closed', 0);

-- Indexes for habits table
CREATE INDEX IF NOT EXISTS idx_habits_natural ON habits(user_id, id);
CREATE INDEX IF NOT EXISTS idx_habits_unsynced ON habits(user_id) WHERE synced = 0;
CREATE INDEX IF NOT EXISTS idx_habits_deleted ON habits(deleted_at) WHERE deleted = 1;

-- Indexes for progress_events table
CREATE UNIQUE INDEX IF NOT EXISTS idx_progress_events_operation ON progress_events(user_id, operation_id);
CREATE INDEX IF NOT EXISTS idx_progress_events_key ON progress_events(user_id, habit_id, date_key);
CREATE INDEX IF NOT EXISTS idx_progress_events_unsynced ON progress_events(user_id, created_at, id) WHERE synced = 0;

-- Indexes for aggregate tables (natural keys, deliberately not unique)
CREATE INDEX IF NOT EXISTS idx_completion_records_key ON completion_records(user_id, habit_id, date_key);
CREATE INDEX IF NOT EXISTS idx_completion_records_date ON completion_records(user_id, date_key);
CREATE INDEX IF NOT EXISTS idx_daily_awards_user_date ON daily_awards(user_id, date_key);

-- Progress events are immutable apart from the one-way synced flag
CREATE TRIGGER IF NOT EXISTS progress_events_immutable
BEFORE UPDATE ON progress_events
WHEN NEW.id IS NOT OLD.id
  OR NEW.user_id IS NOT OLD.user_id
  OR NEW.habit_id IS NOT OLD.habit_id
  OR NEW.date_key IS NOT OLD.date_key
  OR NEW.event_type IS NOT OLD.event_type
  OR NEW.progress_delta IS NOT OLD.progress_delta
  OR NEW.created_at IS NOT OLD.created_at
  OR NEW.device_id IS NOT OLD.device_id
  OR NEW.operation_id IS NOT OLD.operation_id
  OR NEW.source IS NOT OLD.source
  OR (OLD.synced = 1 AND NEW.synced = 0)
BEGIN
    SELECT RAISE(ABORT, 'progress events are immutable');
END;

-- Unsynced events are never deleted. The one exception is rolling back an
-- unfinished migration, whose events have not been published anywhere.
CREATE TRIGGER IF NOT EXISTS progress_events_retain_unsynced
BEFORE DELETE ON progress_events
WHEN OLD.synced = 0
  AND NOT (
    OLD.source = 'migration'
    AND NOT EXISTS (SELECT 1 FROM local_flags WHERE key = 'v2_migration_complete' AND value = 1)
  )
BEGIN
    SELECT RAISE(ABORT, 'unsynced progress events cannot be deleted');
END;
`
