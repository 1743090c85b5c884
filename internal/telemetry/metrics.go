package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter        = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_enqueued_total", Help: "Total enqueued tasks"})
	RateLimitWaits        = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_rate_limit_waits_total", Help: "Dequeue attempts deferred by the rate limiter"})
	WorkerSuccess         = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_completed_total", Help: "Tasks completed successfully"})
	WorkerFailures        = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_failed_total", Help: "Tasks that failed and will retry"})
	WorkerDeadLetter      = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_dead_letter_total", Help: "Tasks moved to the DLQ"})
	QueueDepthGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tasks_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tasks_inflight", Help: "Tasks currently leased"})
	AlertsProcessed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "alerts_processed_total", Help: "Alerts processed to completion"})
	AlertsSkipped         = prometheus.NewCounter(prometheus.CounterOpts{Name: "alerts_skipped_total", Help: "Alerts skipped due to per-alert failures"})
	MatchesFound          = prometheus.NewCounter(prometheus.CounterOpts{Name: "alert_matches_found_total", Help: "New matches persisted by alert runs"})
	NotificationsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{Name: "alert_notifications_enqueued_total", Help: "Notification tasks handed to the email queue"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitWaits,
			WorkerSuccess,
			WorkerFailures,
			WorkerDeadLetter,
			QueueDepthGauge,
			InFlightGauge,
			AlertsProcessed,
			AlertsSkipped,
			MatchesFound,
			NotificationsEnqueued,
		)
	})
	return promhttp.Handler()
}
