// Package telemetry wraps OpenTelemetry SDK initialization: OTLP gRPC
// trace and metric export with global provider registration. When
// telemetry is disabled the providers are noop and nothing external is
// contacted.
package telemetry
