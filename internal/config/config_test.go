package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigWithDefaults(t *testing.T) {
	setTestEnv(t, map[string]string{})
	chdirTemp(t)

	config, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.Host != "localhost" {
		t.Errorf("Expected default host 'localhost', got %s", config.Host)
	}
	if config.Port != 4101 {
		t.Errorf("Expected default port 4101, got %d", config.Port)
	}
	if config.DatabasePath != "./data.db" {
		t.Errorf("Expected default database path './data.db', got %s", config.DatabasePath)
	}
	if config.LogLevel != "info" {
		t.Errorf("Expected default log level 'info', got %s", config.LogLevel)
	}
	if config.RemoteBackend != BackendNone {
		t.Errorf("Expected default remote backend 'none', got %s", config.RemoteBackend)
	}
	if config.SyncBatchSize != 50 {
		t.Errorf("Expected default batch size 50, got %d", config.SyncBatchSize)
	}
	if config.SyncDebounce != time.Second {
		t.Errorf("Expected default debounce 1s, got %v", config.SyncDebounce)
	}
	if config.SyncInterval != 300*time.Second {
		t.Errorf("Expected default sync interval 300s, got %v", config.SyncInterval)
	}
	if config.SyncBatchTimeout != 30*time.Second {
		t.Errorf("Expected default batch timeout 30s, got %v", config.SyncBatchTimeout)
	}
	if config.StreakLookbackDays != 365 {
		t.Errorf("Expected default streak lookback 365, got %d", config.StreakLookbackDays)
	}
	if config.HabitRetention != 30*24*time.Hour {
		t.Errorf("Expected default habit retention 720h, got %v", config.HabitRetention)
	}
}

func TestLoadConfigFromEnvVars(t *testing.T) {
	setTestEnv(t, map[string]string{
		"HOST":                 "0.0.0.0",
		"PORT":                 "8080",
		"DATABASE_PATH":        "/tmp/test.db",
		"INTERNAL_API_KEY":     "custom_api_key",
		"LOG_LEVEL":            "debug",
		"SYNC_BATCH_SIZE":      "25",
		"SYNC_DEBOUNCE":        "250ms",
		"SYNC_INTERVAL":        "60",
		"REMOTE_BACKEND":       "postgres",
		"POSTGRES_DSN":         "postgres://localhost/habits",
		"DEVICE_ID":            "device-1",
		"STREAK_LOOKBACK_DAYS": "30",
	})
	chdirTemp(t)

	config, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.Host != "0.0.0.0" {
		t.Errorf("Expected host '0.0.0.0', got %s", config.Host)
	}
	if config.Port != 8080 {
		t.Errorf("Expected port 8080, got %d", config.Port)
	}
	if config.LogLevel != "debug" {
		t.Errorf("Expected log level 'debug', got %s", config.LogLevel)
	}
	if config.SyncBatchSize != 25 {
		t.Errorf("Expected batch size 25, got %d", config.SyncBatchSize)
	}
	if config.SyncDebounce != 250*time.Millisecond {
		t.Errorf("Expected debounce 250ms, got %v", config.SyncDebounce)
	}
	if config.SyncInterval != time.Minute {
		t.Errorf("Expected sync interval 60s, got %v", config.SyncInterval)
	}
	if config.PostgresDSN != "postgres://localhost/habits" {
		t.Errorf("Expected postgres DSN, got %s", config.PostgresDSN)
	}
	if config.DeviceID != "device-1" {
		t.Errorf("Expected device id 'device-1', got %s", config.DeviceID)
	}
	if config.StreakLookbackDays != 30 {
		t.Errorf("Expected streak lookback 30, got %d", config.StreakLookbackDays)
	}
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	tmpDir := chdirTemp(t)
	envFile := filepath.Join(tmpDir, ".env")

	envContent := `# Test .env file
HOST=192.168.1.1
PORT=9000
DATABASE_PATH=/custom/path/data.db
INTERNAL_API_KEY=env_file_api_key
LOG_LEVEL=warn
`
	if err := os.WriteFile(envFile, []byte(envContent), 0644); err != nil {
		t.Fatalf("Failed to create .env file: %v", err)
	}

	clearTestEnv(t)

	config, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.Host != "192.168.1.1" {
		t.Errorf("Expected host '192.168.1.1' from .env, got %s", config.Host)
	}
	if config.Port != 9000 {
		t.Errorf("Expected port 9000 from .env, got %d", config.Port)
	}
	if config.LogLevel != "warn" {
		t.Errorf("Expected log level 'warn' from .env, got %s", config.LogLevel)
	}
}

func TestEnvVarsPrecedenceOverEnvFile(t *testing.T) {
	tmpDir := chdirTemp(t)
	envFile := filepath.Join(tmpDir, ".env")

	envContent := `HOST=from_file
PORT=9000
INTERNAL_API_KEY=file_api_key
`
	if err := os.WriteFile(envFile, []byte(envContent), 0644); err != nil {
		t.Fatalf("Failed to create .env file: %v", err)
	}

	setTestEnv(t, map[string]string{
		"HOST": "from_env_var",
	})

	config, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.Host != "from_env_var" {
		t.Errorf("Expected host 'from_env_var' from env var, got %s", config.Host)
	}
	if config.Port != 9000 {
		t.Errorf("Expected port 9000 from .env file, got %d", config.Port)
	}
	if config.InternalAPIKey != "file_api_key" {
		t.Errorf("Expected API key 'file_api_key' from .env, got %s", config.InternalAPIKey)
	}
}

func TestLoadConfigFromYAMLFile(t *testing.T) {
	tmpDir := chdirTemp(t)
	yamlFile := filepath.Join(tmpDir, "habit-sync.yaml")

	yamlContent := `host: yaml-host
port: 7000
sync_batch_size: 10
remote_backend: memory
daily_award_xp: 75
`
	if err := os.WriteFile(yamlFile, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("Failed to create yaml file: %v", err)
	}

	setTestEnv(t, map[string]string{
		"CONFIG_FILE": yamlFile,
		"PORT":        "7100",
	})

	config, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.Host != "yaml-host" {
		t.Errorf("Expected host 'yaml-host' from yaml, got %s", config.Host)
	}
	if config.Port != 7100 {
		t.Errorf("Expected env var port 7100 to win over yaml, got %d", config.Port)
	}
	if config.SyncBatchSize != 10 {
		t.Errorf("Expected batch size 10 from yaml, got %d", config.SyncBatchSize)
	}
	if config.RemoteBackend != BackendMemory {
		t.Errorf("Expected memory backend from yaml, got %s", config.RemoteBackend)
	}
	if config.DailyAwardXP != 75 {
		t.Errorf("Expected daily award xp 75 from yaml, got %d", config.DailyAwardXP)
	}
}

func TestLoadConfigMissingYAMLFile(t *testing.T) {
	chdirTemp(t)
	setTestEnv(t, map[string]string{
		"CONFIG_FILE": "/nonexistent/habit-sync.yaml",
	})

	if _, err := Load(); err == nil {
		t.Error("Expected error for missing CONFIG_FILE")
	}
}

func TestValidateServerRequiresAPIKey(t *testing.T) {
	chdirTemp(t)
	setTestEnv(t, map[string]string{})

	config, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	err = config.ValidateServer()
	if err == nil {
		t.Fatal("Expected validation error for missing INTERNAL_API_KEY")
	}
	if err.Error() != "INTERNAL_API_KEY is required" {
		t.Errorf("Expected 'INTERNAL_API_KEY is required' error, got: %v", err)
	}
}

func TestValidationRemoteBackend(t *testing.T) {
	tests := []struct {
		name    string
		vars    map[string]string
		wantErr string
	}{
		{"surreal without url", map[string]string{"REMOTE_BACKEND": "surrealdb"}, "SURREALDB_URL is required"},
		{"postgres without dsn", map[string]string{"REMOTE_BACKEND": "postgres"}, "POSTGRES_DSN is required"},
		{"unknown backend", map[string]string{"REMOTE_BACKEND": "firestore"}, "REMOTE_BACKEND must be one of: none, memory, surrealdb, postgres"},
		{"surreal with url", map[string]string{"REMOTE_BACKEND": "surrealdb", "SURREALDB_URL": "ws://localhost:8000"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chdirTemp(t)
			setTestEnv(t, tt.vars)

			_, err := Load()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected no error, got: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error %q, got none", tt.wantErr)
			}
			if err.Error() != tt.wantErr {
				t.Errorf("Expected %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestValidationInvalidPort(t *testing.T) {
	tests := []struct {
		port    string
		wantErr bool
	}{
		{"0", true},
		{"1", false},
		{"80", false},
		{"4101", false},
		{"65535", false},
		{"65536", true},
		{"99999", true},
	}

	for _, tt := range tests {
		t.Run("port_"+tt.port, func(t *testing.T) {
			chdirTemp(t)
			setTestEnv(t, map[string]string{
				"PORT": tt.port,
			})

			_, err := Load()
			if tt.wantErr && err == nil {
				t.Errorf("Expected error for port %s, but got none", tt.port)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Expected no error for port %s, but got: %v", tt.port, err)
			}
		})
	}
}

func TestValidationInvalidLogLevel(t *testing.T) {
	chdirTemp(t)
	setTestEnv(t, map[string]string{
		"LOG_LEVEL": "invalid",
	})

	_, err := Load()
	if err == nil {
		t.Fatal("Expected validation error for invalid LOG_LEVEL")
	}
	if err.Error() != "LOG_LEVEL must be one of: debug, info, warn, error" {
		t.Errorf("Unexpected error message: %v", err)
	}
}

func TestEnvFileWithComments(t *testing.T) {
	tmpDir := chdirTemp(t)
	envFile := filepath.Join(tmpDir, ".env")

	envContent := `# Comment line
# Another comment

INTERNAL_API_KEY=test_key

# Optional configs
HOST=127.0.0.1
DEVICE_ID=phone-a # trailing comment
`
	if err := os.WriteFile(envFile, []byte(envContent), 0644); err != nil {
		t.Fatalf("Failed to create .env file: %v", err)
	}

	clearTestEnv(t)

	config, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config with comments: %v", err)
	}

	if config.Host != "127.0.0.1" {
		t.Errorf("Expected host '127.0.0.1', got %s", config.Host)
	}
	if config.DeviceID != "phone-a" {
		t.Errorf("Expected device id 'phone-a', got %s", config.DeviceID)
	}
}

func TestEnvFileWithQuotes(t *testing.T) {
	tmpDir := chdirTemp(t)
	envFile := filepath.Join(tmpDir, ".env")

	envContent := `DEVICE_ID="quoted_id"
SURREALDB_PASSWORD='single # quoted'
INTERNAL_API_KEY=unquoted_key
`
	if err := os.WriteFile(envFile, []byte(envContent), 0644); err != nil {
		t.Fatalf("Failed to create .env file: %v", err)
	}

	clearTestEnv(t)

	config, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config with quotes: %v", err)
	}

	if config.DeviceID != "quoted_id" {
		t.Errorf("Expected device id 'quoted_id', got %s", config.DeviceID)
	}
	if config.SurrealDBPassword != "single # quoted" {
		t.Errorf("Expected password 'single # quoted', got %s", config.SurrealDBPassword)
	}
	if config.InternalAPIKey != "unquoted_key" {
		t.Errorf("Expected API key 'unquoted_key', got %s", config.InternalAPIKey)
	}
}

// chdirTemp moves the test into an empty directory so no stray .env is read
func chdirTemp(t *testing.T) string {
	t.Helper()

	tmpDir := t.TempDir()
	oldDir, err := os.Getwd()
	if err != nil {
		t.Fatalf("Failed to get working directory: %v", err)
	}
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatalf("Failed to chdir: %v", err)
	}
	t.Cleanup(func() {
		os.Chdir(oldDir)
	})

	return tmpDir
}

// Helper function to set test environment variables and clean up after test
func setTestEnv(t *testing.T, vars map[string]string) {
	t.Helper()

	clearTestEnv(t)

	for key, value := range vars {
		t.Setenv(key, value)
	}
}

// Helper function to clear all config-related environment variables
func clearTestEnv(t *testing.T) {
	t.Helper()

	envVars := []string{
		"HOST", "PORT", "DATABASE_PATH", "LEGACY_DATABASE_PATH", "BACKUP_DIR",
		"DEVICE_ID", "TIMEZONE", "INTERNAL_API_KEY", "LOG_LEVEL",
		"METRICS_ENABLED", "METRICS_HOST", "METRICS_PORT",
		"REMOTE_BACKEND", "SURREALDB_URL", "SURREALDB_NAMESPACE", "SURREALDB_DATABASE",
		"SURREALDB_USER", "SURREALDB_PASSWORD", "POSTGRES_DSN",
		"SYNC_BATCH_SIZE", "SYNC_DEBOUNCE", "SYNC_INTERVAL", "SYNC_BATCH_TIMEOUT",
		"SYNC_PULL_MONTHS", "SYNC_CIRCUIT_COOLDOWN", "SYNC_CIRCUIT_RECOVERY_COUNT",
		"STREAK_LOOKBACK_DAYS", "DAILY_AWARD_XP", "HABIT_RETENTION", "CONFIG_FILE",
	}

	for _, key := range envVars {
		t.Setenv(key, "")
	}
}
