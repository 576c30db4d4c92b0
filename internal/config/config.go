package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the issuehound server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Ingest    IngestConfig
	Reconcile ReconcileConfig
	Query     QueryConfig
}

type ServerConfig struct {
	Port               int
	Env                string
	CORSAllowedOrigins []string
	MigrationsDir      string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type RateLimitConfig struct {
	Backend           string
	RequestsPerMinute int
	Burst             int
	Window            time.Duration
}

// Ceiling is the number of requests admitted per window.
func (c RateLimitConfig) Ceiling() int {
	return c.RequestsPerMinute + c.Burst
}

type IngestConfig struct {
	MaxBatch        int
	WriteMaxRetries int
}

type ReconcileConfig struct {
	Interval  time.Duration
	BatchSize int
	Grace     time.Duration
}

type QueryConfig struct {
	StatsCacheTTL time.Duration
}

const (
	RateLimitBackendRedis  = "redis"
	RateLimitBackendMemory = "memory"
)

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := fromEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDatabase is Load for commands that only talk to Postgres. Server,
// Redis and rate limit settings are read but not validated.
func LoadDatabase() (*Config, error) {
	cfg := fromEnv()
	if err := cfg.validateDatabase(); err != nil {
		return nil, err
	}
	if err := cfg.validateReconcile(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Port:               envInt("ISSUEHOUND_PORT", 8080),
			Env:                envString("ISSUEHOUND_ENV", "development"),
			CORSAllowedOrigins: envList("CORS_ALLOWED_ORIGINS"),
			MigrationsDir:      envString("MIGRATIONS_DIR", "migrations"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		RateLimit: RateLimitConfig{
			Backend:           envString("RATE_LIMIT_BACKEND", RateLimitBackendRedis),
			RequestsPerMinute: envInt("RATE_LIMIT_RPM", 60),
			Burst:             envInt("RATE_LIMIT_BURST", 10),
			Window:            envDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Ingest: IngestConfig{
			MaxBatch:        envInt("INGEST_MAX_BATCH", 100),
			WriteMaxRetries: envInt("INGEST_WRITE_MAX_RETRIES", 3),
		},
		Reconcile: ReconcileConfig{
			Interval:  envDuration("RECONCILE_INTERVAL", 5*time.Minute),
			BatchSize: envInt("RECONCILE_BATCH_SIZE", 500),
			Grace:     envDuration("RECONCILE_GRACE", 2*time.Minute),
		},
		Query: QueryConfig{
			StatsCacheTTL: envDuration("STATS_CACHE_TTL", 30*time.Second),
		},
	}
}

func (c *Config) validate() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}

	switch c.RateLimit.Backend {
	case RateLimitBackendRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("REDIS_URL is required when RATE_LIMIT_BACKEND is redis")
		}
	case RateLimitBackendMemory:
	default:
		return fmt.Errorf("RATE_LIMIT_BACKEND must be one of redis, memory; got %q", c.RateLimit.Backend)
	}

	if c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive, got %d", c.RateLimit.RequestsPerMinute)
	}
	if c.RateLimit.Burst < 0 {
		return fmt.Errorf("RATE_LIMIT_BURST must not be negative, got %d", c.RateLimit.Burst)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive, got %s", c.RateLimit.Window)
	}

	if c.Ingest.MaxBatch < 1 || c.Ingest.MaxBatch > 100 {
		return fmt.Errorf("INGEST_MAX_BATCH must be between 1 and 100, got %d", c.Ingest.MaxBatch)
	}
	if c.Ingest.WriteMaxRetries < 0 {
		return fmt.Errorf("INGEST_WRITE_MAX_RETRIES must not be negative, got %d", c.Ingest.WriteMaxRetries)
	}

	return c.validateReconcile()
}

func (c *Config) validateDatabase() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if !strings.HasPrefix(c.Database.URL, "postgres://") && !strings.HasPrefix(c.Database.URL, "postgresql://") {
		return fmt.Errorf("DATABASE_URL must start with postgres:// or postgresql://, got %q", c.Database.URL)
	}
	return nil
}

func (c *Config) validateReconcile() error {
	if c.Reconcile.Interval < 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must not be negative, got %s", c.Reconcile.Interval)
	}
	if c.Reconcile.BatchSize <= 0 {
		return fmt.Errorf("RECONCILE_BATCH_SIZE must be positive, got %d", c.Reconcile.BatchSize)
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

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
