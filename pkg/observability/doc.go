// Package observability provides structured JSON logging, Prometheus
// metrics, health checks, graceful shutdown, and optional OpenTelemetry
// export for the conveyor services.
package observability
