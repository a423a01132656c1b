package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
// ⭐ SSOT: every environment variable is read here and nowhere else
type Config struct {
	// Server
	Port string
	Env  string // development, staging, production

	// Database
	Database DatabaseConfig

	// Redis
	Redis RedisConfig

	// Message transport
	Bus BusConfig

	// Order persistence
	Store StoreConfig

	// Trading policy (validator bounds + simulator constants)
	PolicyFile string

	// Submission rate limit (per user)
	RateLimit RateLimitConfig

	// Pending order sweep
	Sweep SweepConfig

	// Logging
	LogLevel  string
	LogFormat string

	// Monitoring
	MetricsEnabled bool
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL string

	// Connection Pool
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// BusConfig holds message transport configuration
type BusConfig struct {
	Driver        string        // memory, redis
	Consumers     int           // consumer goroutines per queue
	MaxDeliveries int           // redelivery budget before a message is dropped
	ClaimIdle     time.Duration // redis: reclaim pending entries idle longer than this
	StreamPrefix  string        // redis: stream key prefix
	ConsumerName  string        // redis: consumer name inside a group
}

// StoreConfig selects the order repository implementation
type StoreConfig struct {
	Driver string // memory, postgres
}

// RateLimitConfig bounds order submissions per user
type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

// SweepConfig drives the stale order job
type SweepConfig struct {
	Schedule       string
	PendingAfter   time.Duration // PENDING without an acknowledgment
	SubmittedAfter time.Duration // SUBMITTED without an execution result
}

// Bus drivers
const (
	BusDriverMemory = "memory"
	BusDriverRedis  = "redis"
)

// Store drivers
const (
	StoreDriverMemory   = "memory"
	StoreDriverPostgres = "postgres"
)

// Load reads configuration from environment variables
// ⭐ SSOT: the only function that calls os.Getenv()
func Load() (*Config, error) {
	// Try multiple paths for .env file
	loadEnvFile()

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "m7sim"
	}

	cfg := &Config{
		// Server
		Port: getEnv("PORT", "8080"),
		Env:  getEnv("ENV", "development"),

		// Database
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxConns:        getEnvAsInt("DB_MAX_CONNS", 25),
			MinConns:        getEnvAsInt("DB_MIN_CONNS", 5),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", "1h"),
			MaxConnIdleTime: getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", "30m"),
		},

		// Redis
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
		},

		Bus: BusConfig{
			Driver:        getEnv("BUS_DRIVER", BusDriverMemory),
			Consumers:     getEnvAsInt("BUS_CONSUMERS", 8),
			MaxDeliveries: getEnvAsInt("BUS_MAX_DELIVERIES", 5),
			ClaimIdle:     getEnvAsDuration("BUS_CLAIM_IDLE", "30s"),
			StreamPrefix:  getEnv("BUS_STREAM_PREFIX", "m7"),
			ConsumerName:  getEnv("BUS_CONSUMER_NAME", hostname),
		},

		Store: StoreConfig{
			Driver: getEnv("STORE_DRIVER", StoreDriverMemory),
		},

		PolicyFile: getEnv("TRADING_POLICY_FILE", ""),

		RateLimit: RateLimitConfig{
			Limit:  getEnvAsInt("SUBMIT_RATE_LIMIT", 20),
			Window: getEnvAsDuration("SUBMIT_RATE_WINDOW", "1s"),
		},

		Sweep: SweepConfig{
			Schedule:       getEnv("STALE_SWEEP_SCHEDULE", "0 * * * * *"),
			PendingAfter:   getEnvAsDuration("PENDING_STALE_AFTER", "30s"),
			SubmittedAfter: getEnvAsDuration("SUBMITTED_STALE_AFTER", "2m"),
		},

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "debug"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// Monitoring
		MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate checks if required configuration values are set
func (c *Config) validate() error {
	// Validate environment
	if c.Env != "development" && c.Env != "staging" && c.Env != "production" {
		return fmt.Errorf("ENV must be one of: development, staging, production")
	}

	switch c.Store.Driver {
	case StoreDriverMemory:
	case StoreDriverPostgres:
		// Database URL is required only for the postgres store
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be one of: memory, postgres")
	}

	switch c.Bus.Driver {
	case BusDriverMemory:
	case BusDriverRedis:
		if !c.Redis.Enabled {
			return fmt.Errorf("BUS_DRIVER=redis requires REDIS_ENABLED=true")
		}
	default:
		return fmt.Errorf("BUS_DRIVER must be one of: memory, redis")
	}

	if c.Bus.Consumers < 1 {
		return fmt.Errorf("BUS_CONSUMERS must be >= 1")
	}
	if c.Bus.MaxDeliveries < 1 {
		return fmt.Errorf("BUS_MAX_DELIVERIES must be >= 1")
	}
	if c.RateLimit.Limit < 1 {
		return fmt.Errorf("SUBMIT_RATE_LIMIT must be >= 1")
	}

	return nil
}

// Helper functions (private, only used within this file)

// loadEnvFile tries to load .env from multiple locations
func loadEnvFile() {
	// Try paths in order of priority
	paths := []string{
		".env", // Current directory
	}

	// Also try relative to executable
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, ".env"),
			filepath.Join(exeDir, "..", ".env"),
		)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}

	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		// Fallback to default
		duration, _ = time.ParseDuration(defaultValue)
	}

	return duration
}
