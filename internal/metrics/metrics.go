// Package metrics exposes Prometheus instrumentation for the controller.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector. One instance per process.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	JobsCreatedTotal   *prometheus.CounterVec
	JobsCompletedTotal *prometheus.CounterVec
	JobsRequeuedTotal  prometheus.Counter
	JobsRunning        prometheus.Gauge
	QueueDepth         prometheus.Gauge

	AgentsByStatus      *prometheus.GaugeVec
	HeartbeatsTotal     prometheus.Counter
	WebhooksTotal       *prometheus.CounterVec
	LogChunksTotal      prometheus.Counter
	LogSubscribers      prometheus.Gauge
	LogSubsDroppedTotal prometheus.Counter
}

// New registers all collectors with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deploybot_http_requests_total",
			Help: "HTTP requests by method, path, and status code",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deploybot_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		JobsCreatedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deploybot_jobs_created_total",
			Help: "Jobs created by trigger (webhook, api)",
		}, []string{"trigger"}),
		JobsCompletedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deploybot_jobs_completed_total",
			Help: "Jobs reaching a terminal state, by status",
		}, []string{"status"}),
		JobsRequeuedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "deploybot_jobs_requeued_total",
			Help: "Orphaned running jobs swept back to pending",
		}),
		JobsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "deploybot_jobs_running",
			Help: "Jobs currently running",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "deploybot_queue_depth",
			Help: "Pending jobs across all host partitions",
		}),
		AgentsByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "deploybot_agents",
			Help: "Registered agents by derived status",
		}, []string{"status"}),
		HeartbeatsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "deploybot_heartbeats_total",
			Help: "Agent heartbeats received",
		}),
		WebhooksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deploybot_webhooks_total",
			Help: "Webhook deliveries by result (accepted, rejected)",
		}, []string{"result"}),
		LogChunksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "deploybot_log_chunks_total",
			Help: "Log chunks ingested",
		}),
		LogSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "deploybot_log_subscribers",
			Help: "Live log stream subscribers",
		}),
		LogSubsDroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "deploybot_log_subscribers_dropped_total",
			Help: "Subscribers dropped for falling behind",
		}),
	}
}

// RecordHTTPRequest observes one handled request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
