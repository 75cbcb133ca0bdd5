package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the station daemon.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Executor ExecutorConfig
	Remote   RemoteConfig
	Analysis AnalysisConfig
	Device   DeviceConfig
	Matching MatchingConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port int
	Env  string
	// AdminKey, when set, is registered as an admin API key at startup if
	// no key exists yet.
	AdminKey          string
	RequestsPerMinute int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL          string
	JobStatusTTL time.Duration
}

type ExecutorConfig struct {
	Workers         int
	PollInterval    time.Duration
	ProcessPriority int
	SyncPriority    int
}

type RemoteConfig struct {
	RequestTimeout time.Duration
	RetryDelay     time.Duration
	// RetryBudget is used when the registered endpoint carries no retry timeout.
	RetryBudget time.Duration
	// TokenLifetime is assumed when an access token carries no exp claim.
	TokenLifetime time.Duration
	SyncFile      bool
	SyncImage     bool
}

type AnalysisConfig struct {
	Command string
	WorkDir string
	Timeout time.Duration
	// UploadDir holds captured videos; relative file paths resolve against it.
	UploadDir string
}

type DeviceConfig struct {
	ShutdownAfterTask bool
	GracePeriod       time.Duration
	PowerOffCommand   string
}

type MatchingConfig struct {
	// AllowedDelta caps the distance between a video and its water level.
	// Zero disables the cutoff.
	AllowedDelta time.Duration
}

type LogConfig struct {
	Level string
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:              envInt("STATION_PORT", 8080),
			Env:               envString("STATION_ENV", "development"),
			AdminKey:          os.Getenv("STATION_ADMIN_KEY"),
			RequestsPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("DATABASE_MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			JobStatusTTL: envDuration("REDIS_JOB_STATUS_TTL", 24*time.Hour),
		},
		Executor: ExecutorConfig{
			Workers:         envInt("EXECUTOR_WORKERS", 2),
			PollInterval:    envDuration("EXECUTOR_POLL_INTERVAL", 500*time.Millisecond),
			ProcessPriority: envInt("EXECUTOR_PROCESS_PRIORITY", 10),
			SyncPriority:    envInt("EXECUTOR_SYNC_PRIORITY", 100),
		},
		Remote: RemoteConfig{
			RequestTimeout: envDuration("REMOTE_REQUEST_TIMEOUT", 30*time.Second),
			RetryDelay:     envDuration("REMOTE_RETRY_DELAY", 5*time.Second),
			RetryBudget:    envDurationSecs("REMOTE_RETRY_TIMEOUT_SECS", 120*time.Second),
			TokenLifetime:  envDuration("REMOTE_TOKEN_LIFETIME", 5*time.Minute),
			SyncFile:       envBool("REMOTE_SYNC_FILE", false),
			SyncImage:      envBool("REMOTE_SYNC_IMAGE", true),
		},
		Analysis: AnalysisConfig{
			Command:   os.Getenv("ANALYSIS_COMMAND"),
			WorkDir:   envString("ANALYSIS_WORK_DIR", os.TempDir()),
			Timeout:   envDurationSecs("ANALYSIS_TIMEOUT_SECS", 30*time.Minute),
			UploadDir: envString("STATION_UPLOAD_DIR", "uploads"),
		},
		Device: DeviceConfig{
			ShutdownAfterTask: envBool("DEVICE_SHUTDOWN_AFTER_TASK", false),
			GracePeriod:       envDuration("DEVICE_SHUTDOWN_GRACE", 30*time.Second),
			PowerOffCommand:   envString("DEVICE_POWEROFF_COMMAND", "sudo shutdown -h now"),
		},
		Matching: MatchingConfig{
			AllowedDelta: envDurationSecs("MATCH_ALLOWED_DELTA_SECS", 0),
		},
		Log: LogConfig{
			Level: strings.ToLower(envString("STATION_LOG_LEVEL", "info")),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Server.AdminKey != "" && len(c.Server.AdminKey) < 16 {
		return fmt.Errorf("STATION_ADMIN_KEY must be at least 16 characters")
	}

	if c.Executor.Workers < 1 {
		return fmt.Errorf("EXECUTOR_WORKERS must be at least 1, got %d", c.Executor.Workers)
	}

	if c.Analysis.Command == "" {
		return fmt.Errorf("ANALYSIS_COMMAND is required")
	}

	if c.Remote.RetryDelay <= 0 {
		return fmt.Errorf("REMOTE_RETRY_DELAY must be positive, got %s", c.Remote.RetryDelay)
	}

	if c.Device.ShutdownAfterTask && strings.TrimSpace(c.Device.PowerOffCommand) == "" {
		return fmt.Errorf("DEVICE_POWEROFF_COMMAND is required when DEVICE_SHUTDOWN_AFTER_TASK is set")
	}

	if c.Matching.AllowedDelta < 0 {
		return fmt.Errorf("MATCH_ALLOWED_DELTA_SECS must not be negative")
	}

	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("STATION_LOG_LEVEL must be one of debug, info, warn, error; got %q", c.Log.Level)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
