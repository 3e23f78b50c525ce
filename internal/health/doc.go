// Package health provides composable probes and the liveness/readiness handlers
// served on the ops listener.
//
// Probes combine with [All] (AND), [Any] (OR) and [Fixed] (static).
// [ShutdownGate] fails readiness while the process drains, and [Heartbeat]
// fails it when a background loop such as the limiter janitor stops reporting.
package health
