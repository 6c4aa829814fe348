package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesTotal tracks settled messages by queue, outcome and settlement
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_messages_total",
			Help: "Total number of messages handled by the ingest worker",
		},
		[]string{"queue", "outcome", "settlement"},
	)

	// HandleDuration tracks how long the handler takes per message
	HandleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_handle_duration_seconds",
			Help:    "Message handler duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	// SettleFailures tracks complete/abandon/dead-letter calls that failed
	SettleFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_settle_failures_total",
			Help: "Total number of failed message settlements",
		},
		[]string{"queue", "settlement"},
	)

	// WorkerRunning is 1 while the receive loop runs
	WorkerRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingest_worker_running",
			Help: "Whether the ingest worker is receiving (1=running, 0=stopped)",
		},
		[]string{"queue"},
	)

	// OrderTotalAmount tracks totals of processed orders
	OrderTotalAmount = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingest_order_total_dollars",
			Help:    "Order totals in dollars",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000},
		},
	)
)

// ObserveHandle records the handler duration and the resulting settlement.
func ObserveHandle(queue, outcome, settlement string, elapsed time.Duration) {
	HandleDuration.WithLabelValues(queue).Observe(elapsed.Seconds())
	MessagesTotal.WithLabelValues(queue, outcome, settlement).Inc()
}

// SetRunning flips the running gauge for queue.
func SetRunning(queue string, running bool) {
	v := 0.0
	if running {
		v = 1
	}
	WorkerRunning.WithLabelValues(queue).Set(v)
}
