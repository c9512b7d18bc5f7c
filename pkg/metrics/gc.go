package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// GCMetrics observes the blob release collector.
type GCMetrics interface {
	// RecordSweep records one collector pass and how many blobs it
	// released.
	RecordSweep(released int)

	// RecordFailure records a blob release attempt that failed and
	// will be retried.
	RecordFailure()

	// SetQueueDepth records the pending deletion backlog seen by the
	// last sweep.
	SetQueueDepth(depth int)
}

type gcMetrics struct {
	sweepsTotal   prometheus.Counter
	releasedTotal prometheus.Counter
	failuresTotal prometheus.Counter
	queueDepth    prometheus.Gauge
}

// NewGCMetrics returns a Prometheus-backed GCMetrics, or a no-op when
// the registry is not initialized.
func NewGCMetrics() GCMetrics {
	reg := GetRegistry()
	if reg == nil {
		return noopGCMetrics{}
	}

	factory := promauto.With(reg)

	return &gcMetrics{
		sweepsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tarnfs",
			Subsystem: "gc",
			Name:      "sweeps_total",
			Help:      "Collector passes over the pending deletion queue.",
		}),
		releasedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tarnfs",
			Subsystem: "gc",
			Name:      "blobs_released_total",
			Help:      "Blobs successfully released.",
		}),
		failuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tarnfs",
			Subsystem: "gc",
			Name:      "release_failures_total",
			Help:      "Blob release attempts that failed and were requeued.",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tarnfs",
			Subsystem: "gc",
			Name:      "queue_depth",
			Help:      "Pending deletions seen by the last sweep.",
		}),
	}
}

func (m *gcMetrics) RecordSweep(released int) {
	m.sweepsTotal.Inc()
	m.releasedTotal.Add(float64(released))
}

func (m *gcMetrics) RecordFailure() {
	m.failuresTotal.Inc()
}

func (m *gcMetrics) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

type noopGCMetrics struct{}

func (noopGCMetrics) RecordSweep(int)   {}
func (noopGCMetrics) RecordFailure()    {}
func (noopGCMetrics) SetQueueDepth(int) {}
