// Package metrics registers lockbase's Prometheus metrics: connection
// registry gauges, action dispatch counters and latencies, rate-limit and
// oversized-frame rejections, transaction log append/bundle counters, and
// dispatcher backpressure counters. Handler exposes them for scraping.
package metrics
