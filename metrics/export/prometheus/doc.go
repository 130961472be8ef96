// Package prometheus exposes viewgate counters and the evaluation latency histogram to
// Prometheus through a client_golang Collector.
package prometheus
