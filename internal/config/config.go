// Package config provides configuration management for the lock coordinator.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Supported lock backends.
const (
	BackendPostgres    = "postgres"
	BackendPostgresSQL = "postgres-sql"
	BackendMySQL       = "mysql"
	BackendRedis       = "redis"
	BackendLocal       = "local"
)

const (
	// DefaultAdminMaxPayloadSize is the default max payload size for admin endpoints (100KB).
	DefaultAdminMaxPayloadSize int64 = 100 * 1024 // 102400 bytes

	// DefaultLockMaxRetries is the default number of attempts per acquisition.
	DefaultLockMaxRetries = 5

	// DefaultLockBackoffStep is the default linear backoff step between attempts.
	DefaultLockBackoffStep = 100 * time.Millisecond

	// DefaultLockReleaseTimeout bounds automatic releases.
	DefaultLockReleaseTimeout = 5 * time.Second

	// DefaultHealthInterval is the default period between liveness probes.
	DefaultHealthInterval = 10 * time.Second

	// DefaultHealthTimeout is the default timeout of one probe.
	DefaultHealthTimeout = 2 * time.Second

	// DefaultLeaderRetryBackoff is the default wait between election campaigns.
	DefaultLeaderRetryBackoff = 5 * time.Second

	// DefaultRedisLockTTL is the default expiration of redis lock keys.
	DefaultRedisLockTTL = 30 * time.Second
)

// Config holds the application configuration.
type Config struct {
	// Port is the HTTP server port.
	Port string

	// GRPCPort is the gRPC health server port.
	GRPCPort string

	// LogLevel is the zerolog level name.
	LogLevel string

	// LogPretty enables human-readable console logging.
	LogPretty bool

	// Backend selects the lock backend.
	Backend string

	// DatabaseURL is the PostgreSQL connection string, used by both the
	// pgxpool and the database/sql postgres backends.
	DatabaseURL string

	// MySQLDSN is the MySQL data source name.
	MySQLDSN string

	// RedisAddr is the Redis server address.
	RedisAddr string

	// RedisLockTTL is the expiration of redis lock keys.
	RedisLockTTL time.Duration

	// LockName is the name of the coordinated lock.
	LockName string

	// LockMaxRetries is the number of attempts per acquisition.
	LockMaxRetries int

	// LockBackoffStep is the linear backoff step between attempts.
	LockBackoffStep time.Duration

	// LockReleaseTimeout bounds automatic releases.
	LockReleaseTimeout time.Duration

	// HealthInterval is the period between liveness probes. Zero disables probing.
	HealthInterval time.Duration

	// HealthTimeout is the timeout of one probe.
	HealthTimeout time.Duration

	// HealthFatal releases the lock on the first failed probe.
	HealthFatal bool

	// LeaderRetryBackoff is the wait between election campaigns.
	LeaderRetryBackoff time.Duration

	// AdminMaxPayloadSize is the maximum payload size for admin endpoints in bytes.
	AdminMaxPayloadSize int64
}

// Load loads configuration from environment variables with defaults.
func Load() *Config {
	cfg := &Config{
		Port:                getEnvOrDefault("PORT", "8080"),
		GRPCPort:            getEnvOrDefault("GRPC_PORT", "9090"),
		LogLevel:            getEnvOrDefault("LOG_LEVEL", "info"),
		LogPretty:           getEnvBoolOrDefault("LOG_PRETTY", false),
		Backend:             getEnvOrDefault("LOCK_BACKEND", BackendPostgres),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		MySQLDSN:            os.Getenv("MYSQL_DSN"),
		RedisAddr:           getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisLockTTL:        getEnvDurationOrDefault("REDIS_LOCK_TTL", DefaultRedisLockTTL),
		LockName:            getEnvOrDefault("LOCK_NAME", "lockcoord-leader"),
		LockMaxRetries:      getEnvIntOrDefault("LOCK_MAX_RETRIES", DefaultLockMaxRetries),
		LockBackoffStep:     getEnvDurationOrDefault("LOCK_BACKOFF_STEP", DefaultLockBackoffStep),
		LockReleaseTimeout:  getEnvDurationOrDefault("LOCK_RELEASE_TIMEOUT", DefaultLockReleaseTimeout),
		HealthInterval:      getEnvDurationOrDefault("HEALTH_INTERVAL", DefaultHealthInterval),
		HealthTimeout:       getEnvDurationOrDefault("HEALTH_TIMEOUT", DefaultHealthTimeout),
		HealthFatal:         getEnvBoolOrDefault("HEALTH_FATAL", true),
		LeaderRetryBackoff:  getEnvDurationOrDefault("LEADER_RETRY_BACKOFF", DefaultLeaderRetryBackoff),
		AdminMaxPayloadSize: getEnvInt64OrDefault("ADMIN_MAX_PAYLOAD_SIZE", DefaultAdminMaxPayloadSize),
	}

	return cfg
}

// Validate reports settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Backend {
	case BackendPostgres, BackendPostgresSQL:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required for the %s backend", c.Backend))
		}
	case BackendMySQL:
		if c.MySQLDSN == "" {
			errs = append(errs, errors.New("MYSQL_DSN is required for the mysql backend"))
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis backend"))
		}
		// Keys renew themselves; a probe slower than the TTL would only
		// notice a lost key after another holder took it.
		if c.HealthInterval > 0 && c.HealthInterval >= c.RedisLockTTL {
			errs = append(errs, fmt.Errorf("HEALTH_INTERVAL (%s) must be shorter than REDIS_LOCK_TTL (%s)",
				c.HealthInterval, c.RedisLockTTL))
		}
	case BackendLocal:
	default:
		errs = append(errs, fmt.Errorf("unknown LOCK_BACKEND %q", c.Backend))
	}

	if c.LockName == "" {
		errs = append(errs, errors.New("LOCK_NAME must not be empty"))
	}
	if c.HealthInterval < 0 {
		errs = append(errs, errors.New("HEALTH_INTERVAL must not be negative"))
	}

	return errors.Join(errs...)
}

// getEnvOrDefault returns the environment variable value or the default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt64OrDefault returns the environment variable value as int64 or the default if not set or invalid.
func getEnvInt64OrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvIntOrDefault returns the environment variable value as int or the default if not set or invalid.
func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDurationOrDefault parses a time.Duration such as "250ms" or falls back to the default.
func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
