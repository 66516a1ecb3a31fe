// Package config loads and validates service configuration from
// CONVEYOR_* environment variables.
package config
