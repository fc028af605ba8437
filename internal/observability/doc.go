// Package observability provides structured logging, execution metrics and
// tracing for the execution service.
//
// Logging is built on log/slog with a handler that redacts secrets and adds
// the execution, session and agent found in the record's context. Metrics are
// Prometheus collectors registered on a caller-supplied registry. Tracing uses
// OpenTelemetry and is a no-op unless an OTLP endpoint is configured.
//
// The EventLog keeps a bounded in-memory timeline of execution lifecycle
// events for status reporting.
package observability
