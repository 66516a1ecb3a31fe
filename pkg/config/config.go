package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/conveyor/pkg/observability"
	"github.com/platinummonkey/conveyor/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Storage configuration
	Storage storage.Config

	// Scheduler loop configuration
	Scheduler SchedulerConfig

	// Quota reservation configuration
	Quota QuotaConfig

	// Auth configuration
	Auth AuthConfig

	// Webhook configuration
	Webhooks WebhookConfig

	// Executor configuration
	Executor ExecutorConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// SchedulerConfig holds the cadence of the scheduler's periodic passes
type SchedulerConfig struct {
	TriggerInterval    time.Duration // due-schedule scan
	ProcessInterval    time.Duration // queue drain
	StaleSweepInterval time.Duration // orphaned run reclamation
	StaleTimeout       time.Duration // processing age before a run is stale
	ClaimLimit         int           // max entries claimed per drain iteration
	TriggerLimit       int           // max schedules triggered per scan
	DispatchTimeout    time.Duration // budget for handing a run to the executor
	GlobalConcurrency  int           // cross-org cap on processing runs
	DrainTimeBudget    time.Duration // wall-clock bound on one drain pass
}

// QuotaConfig holds reservation tuning
type QuotaConfig struct {
	MaxRetries   int           // contention retries before giving up
	RetryBackoff time.Duration // base backoff, doubled per attempt
}

// AuthConfig holds API authentication settings
type AuthConfig struct {
	// RootCredential guards the admin and internal endpoints. Empty
	// disables auth; only acceptable for local development.
	RootCredential string
}

// WebhookConfig holds lifecycle event delivery settings
type WebhookConfig struct {
	Enabled bool
	URL     string
	Secret  string
	Timeout time.Duration
}

// ExecutorConfig holds pipeline dispatch settings
type ExecutorConfig struct {
	// URL of the pipeline runner; empty selects the no-op dispatcher
	URL     string
	Timeout time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Scheduler:     loadSchedulerConfig(),
		Quota:         loadQuotaConfig(),
		Auth:          loadAuthConfig(),
		Webhooks:      loadWebhookConfig(),
		Executor:      loadExecutorConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("CONVEYOR_HOST", "0.0.0.0"),
		Port:            getEnv("CONVEYOR_PORT", "8080"),
		ReadTimeout:     getEnvDuration("CONVEYOR_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("CONVEYOR_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("CONVEYOR_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("CONVEYOR_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("CONVEYOR_HEALTH_PORT", "9090"),
	}
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if storageType := getEnv("CONVEYOR_STORAGE_TYPE", ""); storageType != "" {
		cfg.Type = storageType
	}

	// PostgreSQL config
	if pgURL := getEnv("CONVEYOR_POSTGRES_URL", ""); pgURL != "" {
		cfg.PostgresURL = pgURL
	}
	if replicaURLs := getEnv("CONVEYOR_POSTGRES_REPLICA_URLS", ""); replicaURLs != "" {
		cfg.PostgresReplicaURLs = replicaURLs
	}
	if maxConns := getEnvInt("CONVEYOR_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("CONVEYOR_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("CONVEYOR_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}

	// Redis config
	if redisURL := getEnv("CONVEYOR_REDIS_URL", ""); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if redisPassword := getEnv("CONVEYOR_REDIS_PASSWORD", ""); redisPassword != "" {
		cfg.RedisPassword = redisPassword
	}
	if redisDB := getEnvInt("CONVEYOR_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisRetries := getEnvInt("CONVEYOR_REDIS_MAX_RETRIES", 0); redisRetries > 0 {
		cfg.RedisRetries = redisRetries
	}
	if redisPoolSize := getEnvInt("CONVEYOR_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}

	// Limit cache config
	if cacheEnabled := getEnv("CONVEYOR_CACHE_ENABLED", ""); cacheEnabled != "" {
		cfg.CacheEnabled = strings.ToLower(cacheEnabled) == "true"
	}
	if ttl := getEnvDuration("CONVEYOR_LIMIT_CACHE_TTL", 0); ttl > 0 {
		cfg.LimitCacheTTL = ttl
	}
	if size := getEnvInt("CONVEYOR_LIMIT_CACHE_SIZE", 0); size > 0 {
		cfg.LimitCacheLen = size
	}

	return cfg
}

// loadSchedulerConfig loads scheduler loop configuration from environment
func loadSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		TriggerInterval:    getEnvDuration("CONVEYOR_TRIGGER_INTERVAL", time.Minute),
		ProcessInterval:    getEnvDuration("CONVEYOR_PROCESS_INTERVAL", time.Minute),
		StaleSweepInterval: getEnvDuration("CONVEYOR_STALE_SWEEP_INTERVAL", 5*time.Minute),
		StaleTimeout:       getEnvDuration("CONVEYOR_STALE_TIMEOUT", 30*time.Minute),
		ClaimLimit:         getEnvInt("CONVEYOR_CLAIM_LIMIT", 100),
		TriggerLimit:       getEnvInt("CONVEYOR_TRIGGER_LIMIT", 500),
		DispatchTimeout:    getEnvDuration("CONVEYOR_DISPATCH_TIMEOUT", 30*time.Second),
		GlobalConcurrency:  getEnvInt("CONVEYOR_GLOBAL_CONCURRENCY", 100),
		DrainTimeBudget:    getEnvDuration("CONVEYOR_DRAIN_TIME_BUDGET", 50*time.Second),
	}
}

// loadQuotaConfig loads quota reservation tuning from environment
func loadQuotaConfig() QuotaConfig {
	return QuotaConfig{
		MaxRetries:   getEnvInt("CONVEYOR_QUOTA_MAX_RETRIES", 5),
		RetryBackoff: getEnvDuration("CONVEYOR_QUOTA_RETRY_BACKOFF", 25*time.Millisecond),
	}
}

// loadAuthConfig loads auth configuration from environment
func loadAuthConfig() AuthConfig {
	return AuthConfig{
		RootCredential: getEnv("CONVEYOR_ROOT_CREDENTIAL", ""),
	}
}

// loadWebhookConfig loads webhook configuration from environment
func loadWebhookConfig() WebhookConfig {
	return WebhookConfig{
		Enabled: getEnvBool("CONVEYOR_WEBHOOKS_ENABLED", false),
		URL:     getEnv("CONVEYOR_WEBHOOK_URL", ""),
		Secret:  getEnv("CONVEYOR_WEBHOOK_SECRET", ""),
		Timeout: getEnvDuration("CONVEYOR_WEBHOOK_TIMEOUT", 10*time.Second),
	}
}

// loadExecutorConfig loads executor configuration from environment
func loadExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		URL:     getEnv("CONVEYOR_EXECUTOR_URL", ""),
		Timeout: getEnvDuration("CONVEYOR_EXECUTOR_TIMEOUT", 30*time.Second),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("CONVEYOR_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("CONVEYOR_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("CONVEYOR_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("CONVEYOR_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("CONVEYOR_OTEL_SERVICE_NAME", "conveyor-scheduler"),
		OTelServiceVersion: getEnv("CONVEYOR_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("CONVEYOR_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	switch c.Storage.Type {
	case "memory":
		// Nothing to validate; in-process stores only.
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory or postgres)", c.Storage.Type)
	}

	if c.Scheduler.ClaimLimit <= 0 {
		return fmt.Errorf("claim limit must be positive")
	}
	if c.Scheduler.GlobalConcurrency <= 0 {
		return fmt.Errorf("global concurrency must be positive")
	}
	if c.Scheduler.StaleTimeout <= 0 {
		return fmt.Errorf("stale timeout must be positive")
	}

	if c.Webhooks.Enabled {
		if c.Webhooks.URL == "" {
			return fmt.Errorf("webhook URL is required when webhooks are enabled")
		}
		if c.Webhooks.Secret == "" {
			return fmt.Errorf("webhook secret is required when webhooks are enabled")
		}
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
