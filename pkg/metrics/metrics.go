package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection registry metrics
	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lockbase_connections_active",
			Help: "Number of live WebSocket connections",
		},
	)

	ConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockbase_connections_total",
			Help: "Total connections accepted, by close reason once closed",
		},
		[]string{"reason"},
	)

	ConnectionsSuperseded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lockbase_connections_superseded_total",
			Help: "Total connections closed because a newer connection for the same client id registered",
		},
	)

	// Handshake / key validation metrics
	KeyValidationResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockbase_key_validation_results_total",
			Help: "Key validation attempts by result (match, mismatch)",
		},
		[]string{"result"},
	)

	// Action dispatch metrics
	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockbase_actions_total",
			Help: "Dispatched connection actions by name and response status",
		},
		[]string{"action", "status"},
	)

	ActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lockbase_action_duration_seconds",
			Help:    "Time to dispatch a single connection action",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	RateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lockbase_rate_limited_total",
			Help: "Total actions rejected with 429 due to rate limiting",
		},
	)

	OversizedFramesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lockbase_oversized_frames_total",
			Help: "Total inbound frames rejected for exceeding the 400 KiB limit",
		},
	)

	// Transaction log engine metrics
	TransactionsAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockbase_transactions_appended_total",
			Help: "Total transaction records appended, by command",
		},
		[]string{"command"},
	)

	AppendRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lockbase_append_retries_total",
			Help: "Total seqNo allocation retries due to conditional-write conflicts",
		},
	)

	BundlesPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lockbase_bundles_published_total",
			Help: "Total bundles accepted",
		},
	)

	BundleGCSweeps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lockbase_bundle_gc_sweeps_total",
			Help: "Total background sweeps that garbage-collected pre-bundle records",
		},
	)

	// Subscription dispatcher metrics
	SlowConsumersDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lockbase_slow_consumers_dropped_total",
			Help: "Total subscribers dropped for a full outbound queue",
		},
	)

	DatabaseOpens = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lockbase_database_opens_total",
			Help: "Total OpenDatabase subscriptions established",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		ConnectionsTotal,
		ConnectionsSuperseded,
		KeyValidationResultsTotal,
		ActionsTotal,
		ActionDuration,
		RateLimitedTotal,
		OversizedFramesTotal,
		TransactionsAppended,
		AppendRetries,
		BundlesPublished,
		BundleGCSweeps,
		SlowConsumersDropped,
		DatabaseOpens,
	)
}

// Handler returns the Prometheus HTTP handler for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
