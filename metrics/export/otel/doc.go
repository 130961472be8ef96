// Package otel bridges viewgate metrics to an OpenTelemetry metric.Meter.
package otel
