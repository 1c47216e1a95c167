// Package otel binds goSignIn Orchestrator metrics to an OpenTelemetry meter.
//
// [NewOTelExporter] registers one Int64ObservableCounter per counter and one
// Int64ObservableGauge per wait histogram bucket. A single callback reads
// [goSignIn.Orchestrator.MetricsSnapshot] on each collection.
//
// # What this package must NOT do
//
//   - Own the MeterProvider. Callers supply the Meter.
//   - Mutate Orchestrator state.
package otel
