// Package internaldefs holds the metric names and bucket bounds shared by the Prometheus and
// OpenTelemetry exporters, so both publish identical series.
//
// This package performs no I/O and imports no exporter package.
package internaldefs
