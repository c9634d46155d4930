// Package metrics defines the Prometheus instrumentation for the scheduler:
// task lifecycle counters, queue and bot gauges, and API latency histograms.
// Metrics register themselves at init; Handler serves the /metrics endpoint.
package metrics
