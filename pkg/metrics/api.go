package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// APIMetrics observes the HTTP protocol adapter. A nil-safe no-op
// implementation is returned when metrics are disabled.
type APIMetrics interface {
	// RecordRequest records one completed request.
	RecordRequest(route string, status int, duration time.Duration)

	// RecordBytesTransferred records content stream volume.
	// direction is "read" or "write".
	RecordBytesTransferred(direction string, bytes int64)

	// RecordRequestStart and RecordRequestEnd track in-flight
	// requests.
	RecordRequestStart(route string)
	RecordRequestEnd(route string)
}

type apiMetrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec
	bytesTransferred *prometheus.CounterVec
}

// NewAPIMetrics returns a Prometheus-backed APIMetrics, or a no-op
// when the registry is not initialized.
func NewAPIMetrics() APIMetrics {
	reg := GetRegistry()
	if reg == nil {
		return noopAPIMetrics{}
	}

	factory := promauto.With(reg)

	return &apiMetrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tarnfs",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Completed API requests by route and status code.",
		}, []string{"route", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tarnfs",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "API request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		requestsInFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tarnfs",
			Subsystem: "api",
			Name:      "requests_in_flight",
			Help:      "API requests currently being served by route.",
		}, []string{"route"}),
		bytesTransferred: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tarnfs",
			Subsystem: "api",
			Name:      "content_bytes_total",
			Help:      "Content bytes streamed by direction.",
		}, []string{"direction"}),
	}
}

func (m *apiMetrics) RecordRequest(route string, status int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func (m *apiMetrics) RecordBytesTransferred(direction string, bytes int64) {
	if bytes > 0 {
		m.bytesTransferred.WithLabelValues(direction).Add(float64(bytes))
	}
}

func (m *apiMetrics) RecordRequestStart(route string) {
	m.requestsInFlight.WithLabelValues(route).Inc()
}

func (m *apiMetrics) RecordRequestEnd(route string) {
	m.requestsInFlight.WithLabelValues(route).Dec()
}

type noopAPIMetrics struct{}

func (noopAPIMetrics) RecordRequest(string, int, time.Duration) {}
func (noopAPIMetrics) RecordBytesTransferred(string, int64)     {}
func (noopAPIMetrics) RecordRequestStart(string)                {}
func (noopAPIMetrics) RecordRequestEnd(string)                  {}
