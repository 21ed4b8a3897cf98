package config

import (
	"time"

	"github.com/interchatapp/interchat-calls/pkg/env"
)

// Config holds all configuration for a worker process
type Config struct {
	Server      ServerConfig
	Redis       RedisConfig
	Postgres    PostgresConfig
	Queue       QueueConfig
	Matching    MatchingConfig
	Coordinator CoordinatorConfig
	State       StateConfig
	Log         LogConfig
}

// ServerConfig holds the ops HTTP server configuration
type ServerConfig struct {
	Port        int
	Environment string // development, staging, production
	ClusterID   string // unique per worker process
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// PostgresConfig holds the durable-store connection configuration
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// QueueConfig holds wait-queue tuning
type QueueConfig struct {
	Capacity        int           // max pending requests cluster-wide
	Timeout         time.Duration // entries older than this are purged
	CleanupInterval time.Duration
	PriorityWeight  time.Duration // score boost per priority point
}

// MatchingConfig holds matching-engine tuning.
// The age-compatibility and cooldown defaults come straight from the
// production deployment; they have no documented rationale and are kept
// configurable for product-level tuning.
type MatchingConfig struct {
	SweepInterval  time.Duration
	CooldownWindow time.Duration // recent-match restriction per user pair
	AgeGap         time.Duration // queue-time difference that triggers the grace rule
	GracePeriod    time.Duration // wait before a stale request may pair with a fresh one
}

// CoordinatorConfig holds leader-election tuning
type CoordinatorConfig struct {
	LeaseTTL      time.Duration
	RetryInterval time.Duration // follower campaign interval
}

// StateConfig holds active-call state tuning
type StateConfig struct {
	ActiveTTL     time.Duration // hot-record TTL while a call is live
	EndedTTL      time.Duration // hot-copy retention after a call ends
	ReviewTTL     time.Duration // retention when flagged for moderation review
	CallTimeout   time.Duration // active calls older than this are force-ended
	SweepInterval time.Duration // cadence of the leader's timed-out-call sweep
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        env.GetInt("PORT", 8080),
			Environment: env.GetString("ENV", "development"),
			ClusterID:   env.GetString("CLUSTER_ID", ""),
		},
		Redis: RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
		},
		Postgres: PostgresConfig{
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 5432),
			User:     env.GetString("DB_USER", "postgres"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "interchat_calls"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
		},
		Queue: QueueConfig{
			Capacity:        env.GetInt("QUEUE_CAPACITY", 500),
			Timeout:         env.GetDuration("QUEUE_TIMEOUT", 30*time.Minute),
			CleanupInterval: env.GetDuration("QUEUE_CLEANUP_INTERVAL", time.Minute),
			PriorityWeight:  env.GetDuration("QUEUE_PRIORITY_WEIGHT", time.Minute),
		},
		Matching: MatchingConfig{
			SweepInterval:  env.GetDuration("MATCH_SWEEP_INTERVAL", time.Second),
			CooldownWindow: env.GetDuration("MATCH_COOLDOWN_WINDOW", 10*time.Minute),
			AgeGap:         env.GetDuration("MATCH_AGE_GAP", 5*time.Minute),
			GracePeriod:    env.GetDuration("MATCH_GRACE_PERIOD", 10*time.Minute),
		},
		Coordinator: CoordinatorConfig{
			LeaseTTL:      env.GetDuration("LEADER_LEASE_TTL", 15*time.Second),
			RetryInterval: env.GetDuration("LEADER_RETRY_INTERVAL", 5*time.Second),
		},
		State: StateConfig{
			ActiveTTL:     env.GetDuration("CALL_ACTIVE_TTL", 24*time.Hour),
			EndedTTL:      env.GetDuration("CALL_ENDED_TTL", time.Hour),
			ReviewTTL:     env.GetDuration("CALL_REVIEW_TTL", 48*time.Hour),
			CallTimeout:   env.GetDuration("CALL_TIMEOUT", 4*time.Hour),
			SweepInterval: env.GetDuration("CALL_SWEEP_INTERVAL", time.Minute),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", ""),
		},
	}
}
