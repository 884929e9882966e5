package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailblast_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailblast_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// EmailsSent counts send worker outcomes by result (sent, error, failed, suppressed).
	EmailsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailblast_emails_total",
			Help: "Send worker outcomes",
		},
		[]string{"result"},
	)

	SendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailblast_send_duration_seconds",
			Help:    "SMTP transmission latency",
			Buckets: prometheus.DefBuckets,
		},
	)

	BatchesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailblast_dispatch_batches_total",
			Help: "Dispatcher batches by outcome",
		},
		[]string{"outcome"},
	)

	RecipientsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailblast_dispatch_recipients_total",
			Help: "Recipients handled by the dispatcher by disposition (enqueued, deferred, suppressed, invalid)",
		},
		[]string{"disposition"},
	)

	BounceMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailblast_bounce_messages_total",
			Help: "Classified feedback messages",
		},
		[]string{"kind"},
	)

	BounceDomainRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailblast_bounce_domain_runs_total",
			Help: "Per domain bounce processing runs",
		},
		[]string{"outcome"},
	)

	TrainingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailblast_training_decisions_total",
			Help: "Throughput trainer decisions per sender",
		},
		[]string{"mode", "decision"},
	)

	TasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailblast_tasks_total",
			Help: "Queue tasks by queue and outcome",
		},
		[]string{"queue", "outcome"},
	)
)

// GinMiddleware records request count and latency using the matched route.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(c.Request.Method, route, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
	}
}
