// Package prometheus exposes goSignIn Orchestrator metrics as a
// prometheus.Collector.
//
// Counter names are prefixed gosignin_ and end in _total; the wait histogram
// is gosignin_signin_wait_seconds. [PrometheusExporter.Handler] serves the
// collector from its own registry; [PrometheusExporter.Register] adds it to a
// caller supplied one.
//
// # What this package must NOT do
//
//   - Register with the global default registry.
//   - Mutate Orchestrator state.
package prometheus
