package storage

import "time"

// Config for the persistence backends
type Config struct {
	Type string // "postgres" or "memory"

	// PostgreSQL config
	PostgresURL         string
	PostgresReplicaURLs string // comma-separated, optional
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration
	PostgresMaxLifetime time.Duration
	PostgresMaxIdleTime time.Duration

	// Redis config (optional second cache tier for plan limits)
	RedisURL      string
	RedisPassword string
	RedisDB       int
	RedisRetries  int
	RedisPoolSize int

	// Limit cache config
	CacheEnabled  bool
	LimitCacheTTL time.Duration
	LimitCacheLen int
}

// DefaultConfig returns sensible default configuration. The memory backend
// keeps everything in-process and is intended for local development and
// tests only.
func DefaultConfig() Config {
	return Config{
		Type:                "memory",
		PostgresMaxConns:    20,
		PostgresMinConns:    2,
		PostgresTimeout:     10 * time.Second,
		PostgresMaxLifetime: 30 * time.Minute,
		PostgresMaxIdleTime: 5 * time.Minute,
		RedisDB:             0,
		RedisRetries:        3,
		RedisPoolSize:       10,
		CacheEnabled:        true,
		LimitCacheTTL:       5 * time.Minute,
		LimitCacheLen:       1024,
	}
}
