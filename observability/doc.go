// Package observability provides a lifecycle extension that records
// OpenTelemetry metrics for every job state transition the engine
// emits. Register it with engine.WithExtension; it never blocks or
// fails the pipeline.
package observability
