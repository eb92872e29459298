package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Remote backends
const (
	BackendNone      = "none"
	BackendMemory    = "memory"
	BackendSurrealDB = "surrealdb"
	BackendPostgres  = "postgres"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Host string
	Port int

	// Local storage
	DatabasePath       string
	LegacyDatabasePath string
	BackupDir          string

	// Device identity and calendar
	DeviceID string
	Timezone string

	// Internal API configuration
	InternalAPIKey string

	// Logging configuration
	LogLevel string

	// Metrics configuration
	MetricsEnabled bool
	MetricsHost    string
	MetricsPort    int

	// Remote document store
	RemoteBackend     string
	SurrealDBURL      string
	SurrealDBNS       string
	SurrealDBDatabase string
	SurrealDBUser     string
	SurrealDBPassword string
	PostgresDSN       string

	// Sync scheduling
	SyncBatchSize       int
	SyncDebounce        time.Duration
	SyncInterval        time.Duration
	SyncBatchTimeout    time.Duration
	SyncPullMonths      int
	SyncCircuitCooldown time.Duration
	// Successful half-open cycles needed before the breaker closes
	SyncCircuitRecoveryCount int

	// Aggregates
	StreakLookbackDays int
	DailyAwardXP       int
	HabitRetention     time.Duration
}

// fileConfig mirrors the keys accepted in CONFIG_FILE
type fileConfig map[string]any

// Load reads configuration from environment variables, falling back to a .env
// file in the working directory and then to the YAML file named by CONFIG_FILE.
// Environment variables always take precedence.
func Load() (*Config, error) {
	src, err := newSource()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Host:               src.getEnv("HOST", "localhost"),
		Port:               src.getEnvInt("PORT", 4101),
		DatabasePath:       src.getEnv("DATABASE_PATH", "./data.db"),
		LegacyDatabasePath: src.getEnv("LEGACY_DATABASE_PATH", ""),
		BackupDir:          src.getEnv("BACKUP_DIR", "./backups"),
		DeviceID:           src.getEnv("DEVICE_ID", ""),
		Timezone:           src.getEnv("TIMEZONE", "Local"),
		InternalAPIKey:     src.getEnv("INTERNAL_API_KEY", ""),
		LogLevel:           src.getEnv("LOG_LEVEL", "info"),
		MetricsEnabled:     src.getEnvBool("METRICS_ENABLED", true),
		MetricsHost:        src.getEnv("METRICS_HOST", "localhost"),
		MetricsPort:        src.getEnvInt("METRICS_PORT", 9101),

		RemoteBackend:     src.getEnv("REMOTE_BACKEND", BackendNone),
		SurrealDBURL:      src.getEnv("SURREALDB_URL", ""),
		SurrealDBNS:       src.getEnv("SURREALDB_NAMESPACE", "habits"),
		SurrealDBDatabase: src.getEnv("SURREALDB_DATABASE", "sync"),
		SurrealDBUser:     src.getEnv("SURREALDB_USER", ""),
		SurrealDBPassword: src.getEnv("SURREALDB_PASSWORD", ""),
		PostgresDSN:       src.getEnv("POSTGRES_DSN", ""),

		SyncBatchSize:       src.getEnvInt("SYNC_BATCH_SIZE", 50),
		SyncDebounce:        src.getEnvDuration("SYNC_DEBOUNCE", time.Second),
		SyncInterval:        src.getEnvDuration("SYNC_INTERVAL", 300*time.Second),
		SyncBatchTimeout:    src.getEnvDuration("SYNC_BATCH_TIMEOUT", 30*time.Second),
		SyncPullMonths:      src.getEnvInt("SYNC_PULL_MONTHS", 2),
		SyncCircuitCooldown: src.getEnvDuration("SYNC_CIRCUIT_COOLDOWN", 15*time.Minute),

		SyncCircuitRecoveryCount: src.getEnvInt("SYNC_CIRCUIT_RECOVERY_COUNT", 2),

		StreakLookbackDays: src.getEnvInt("STREAK_LOOKBACK_DAYS", 365),
		DailyAwardXP:       src.getEnvInt("DAILY_AWARD_XP", 50),
		HabitRetention:     src.getEnvDuration("HABIT_RETENTION", 30*24*time.Hour),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return errors.New("PORT must be between 1 and 65535")
	}
	if c.MetricsPort < 1 || c.MetricsPort > 65535 {
		return errors.New("METRICS_PORT must be between 1 and 65535")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error")
	}

	switch c.RemoteBackend {
	case BackendNone, BackendMemory:
	case BackendSurrealDB:
		if c.SurrealDBURL == "" {
			return errors.New("SURREALDB_URL is required")
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return errors.New("POSTGRES_DSN is required")
		}
	default:
		return errors.New("REMOTE_BACKEND must be one of: none, memory, surrealdb, postgres")
	}

	if c.SyncBatchSize < 1 {
		return errors.New("SYNC_BATCH_SIZE must be positive")
	}
	if c.SyncInterval <= 0 || c.SyncBatchTimeout <= 0 || c.SyncDebounce < 0 {
		return errors.New("SYNC_INTERVAL and SYNC_BATCH_TIMEOUT must be positive")
	}
	if c.SyncPullMonths < 0 {
		return errors.New("SYNC_PULL_MONTHS must not be negative")
	}
	if c.SyncCircuitRecoveryCount < 1 {
		return errors.New("SYNC_CIRCUIT_RECOVERY_COUNT must be positive")
	}
	if c.StreakLookbackDays < 1 {
		return errors.New("STREAK_LOOKBACK_DAYS must be positive")
	}
	if c.DailyAwardXP < 0 {
		return errors.New("DAILY_AWARD_XP must not be negative")
	}

	return nil
}

// ValidateServer checks the settings only the HTTP daemon needs
func (c *Config) ValidateServer() error {
	if c.InternalAPIKey == "" {
		return errors.New("INTERNAL_API_KEY is required")
	}
	return nil
}

// source resolves a key from the process environment, then .env, then CONFIG_FILE
type source struct {
	envFile  map[string]string
	yamlFile map[string]string
}

func newSource() (*source, error) {
	s := &source{}

	envFile, err := readEnvFile(".env")
	if err != nil {
		return nil, err
	}
	s.envFile = envFile

	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		path = envFile["CONFIG_FILE"]
	}
	if path != "" {
		yamlFile, err := readYAMLFile(path)
		if err != nil {
			return nil, err
		}
		s.yamlFile = yamlFile
	}

	return s, nil
}

func (s *source) lookup(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	if value := s.envFile[key]; value != "" {
		return value
	}
	return s.yamlFile[key]
}

// getEnv gets a configuration value or returns a default value
func (s *source) getEnv(key, defaultValue string) string {
	value := s.lookup(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt gets an integer configuration value or returns a default value
func (s *source) getEnvInt(key string, defaultValue int) int {
	valueStr := s.lookup(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func (s *source) getEnvBool(key string, defaultValue bool) bool {
	valueStr := s.lookup(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvDuration accepts Go duration strings ("1s", "5m") or a bare number of seconds
func (s *source) getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := s.lookup(key)
	if valueStr == "" {
		return defaultValue
	}

	if seconds, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(seconds) * time.Second
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// readEnvFile parses KEY=VALUE lines, ignoring comments and surrounding quotes.
// A missing file is not an error.
func readEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		value = strings.TrimSpace(value)
		if len(value) >= 2 && (value[0] == '"' || value[0] == '\'') && value[len(value)-1] == value[0] {
			value = value[1 : len(value)-1]
		} else if i := strings.Index(value, " #"); i >= 0 {
			value = strings.TrimSpace(value[:i])
		}
		values[key] = value
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	return values, nil
}

// readYAMLFile flattens a YAML mapping of UPPER_CASE keys to strings
func readYAMLFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw fileConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	values := make(map[string]string, len(raw))
	for key, value := range raw {
		if value == nil {
			continue
		}
		values[strings.ToUpper(key)] = fmt.Sprint(value)
	}

	return values, nil
}
