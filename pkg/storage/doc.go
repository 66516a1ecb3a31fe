// Package storage holds backend configuration and connection management
// for the scheduler's PostgreSQL and Redis dependencies.
package storage
