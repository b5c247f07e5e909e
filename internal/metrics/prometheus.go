package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder on top of Prometheus instruments.
type PrometheusRecorder struct {
	redirectCache    *prometheus.CounterVec
	redirectDuration prometheus.Histogram
	linksCreated     prometheus.Counter
	clicksPublished  *prometheus.CounterVec
	clicksProcessed  *prometheus.CounterVec
	clickProcessTime prometheus.Histogram
	brokerReconnects *prometheus.CounterVec
	consumerRunning  prometheus.Gauge
}

// NewPrometheus registers all instruments with reg and returns the recorder.
// Passing a dedicated registry keeps tests isolated from the global one.
func NewPrometheus(reg prometheus.Registerer) *PrometheusRecorder {
	m := &PrometheusRecorder{
		redirectCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkpulse_redirect_cache_total",
			Help: "Redirect lookups by cache result.",
		}, []string{"result"}),

		redirectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "linkpulse_redirect_duration_seconds",
			Help:    "Time spent resolving a short code.",
			Buckets: prometheus.DefBuckets,
		}),

		linksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linkpulse_links_created_total",
			Help: "Total number of shortened links created.",
		}),

		clicksPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkpulse_click_events_published_total",
			Help: "Click events handed to the broker, by status.",
		}, []string{"status"}),

		clicksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkpulse_click_events_processed_total",
			Help: "Click events consumed from the queue, by outcome.",
		}, []string{"outcome"}),

		clickProcessTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "linkpulse_click_event_processing_seconds",
			Help:    "Time from delivery to ack/nack for a single click event.",
			Buckets: prometheus.DefBuckets,
		}),

		brokerReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkpulse_broker_reconnects_total",
			Help: "Consumer channel re-establishment attempts, by status.",
		}, []string{"status"}),

		consumerRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "linkpulse_consumer_running",
			Help: "1 while the click consumer is receiving deliveries.",
		}),
	}

	reg.MustRegister(
		m.redirectCache,
		m.redirectDuration,
		m.linksCreated,
		m.clicksPublished,
		m.clicksProcessed,
		m.clickProcessTime,
		m.brokerReconnects,
		m.consumerRunning,
	)

	return m
}

// IncRedirectCacheHit counts a cache hit.
func (m *PrometheusRecorder) IncRedirectCacheHit() {
	m.redirectCache.WithLabelValues("hit").Inc()
}

// IncRedirectCacheMiss counts a cache miss.
func (m *PrometheusRecorder) IncRedirectCacheMiss() {
	m.redirectCache.WithLabelValues("miss").Inc()
}

// ObserveRedirectDuration records redirect resolution time.
func (m *PrometheusRecorder) ObserveRedirectDuration(duration time.Duration) {
	m.redirectDuration.Observe(duration.Seconds())
}

// IncLinkCreated counts a created link.
func (m *PrometheusRecorder) IncLinkCreated() {
	m.linksCreated.Inc()
}

// IncClickPublished counts a publish attempt.
func (m *PrometheusRecorder) IncClickPublished(status string) {
	m.clicksPublished.WithLabelValues(status).Inc()
}

// IncClickProcessed counts a consumed message.
func (m *PrometheusRecorder) IncClickProcessed(outcome string) {
	m.clicksProcessed.WithLabelValues(outcome).Inc()
}

// ObserveClickProcessDuration records per-message processing time.
func (m *PrometheusRecorder) ObserveClickProcessDuration(duration time.Duration) {
	m.clickProcessTime.Observe(duration.Seconds())
}

// IncBrokerReconnect counts a reconnect attempt.
func (m *PrometheusRecorder) IncBrokerReconnect(status string) {
	m.brokerReconnects.WithLabelValues(status).Inc()
}

// SetConsumerRunning flips the consumer gauge.
func (m *PrometheusRecorder) SetConsumerRunning(running bool) {
	if running {
		m.consumerRunning.Set(1)
		return
	}
	m.consumerRunning.Set(0)
}
