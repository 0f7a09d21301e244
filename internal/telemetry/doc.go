// Package telemetry wires the ambient observability stack for vpsd:
// zerolog loggers, Prometheus metrics, OpenTelemetry tracing and the
// NATS publisher for server status-change events.
package telemetry
