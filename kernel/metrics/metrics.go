// Package metrics exports semaphore sea occupancy and error counters to
// Prometheus. Every method is safe on a nil *SemaphoreMetrics, so the core
// can run without a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "semasea"

type SemaphoreMetrics struct {
	PoolsLive           prometheus.Gauge
	HwSemaphoresLive    prometheus.Gauge
	SemaphoresLive      prometheus.Gauge
	ThresholdsPrepared  prometheus.Counter
	FastForwards        prometheus.Counter
	InvariantViolations *prometheus.CounterVec
	AllocFailures       *prometheus.CounterVec
}

// NewSemaphoreMetrics builds the collectors and registers them with reg
// when reg is non-nil.
func NewSemaphoreMetrics(reg prometheus.Registerer) *SemaphoreMetrics {
	m := &SemaphoreMetrics{
		PoolsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pools_live",
			Help:      "Sea pages currently owned by a semaphore pool.",
		}),
		HwSemaphoresLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hw_semaphores_live",
			Help:      "Hardware semaphore slots currently bound to a channel.",
		}),
		SemaphoresLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "semaphores_live",
			Help:      "Logical semaphore handles not yet released by their last holder.",
		}),
		ThresholdsPrepared: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "thresholds_prepared_total",
			Help:      "Thresholds reserved from hardware semaphores.",
		}),
		FastForwards: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fast_forwards_total",
			Help:      "Hardware semaphores resynchronised to their reserved watermark.",
		}),
		InvariantViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invariant_violations_total",
			Help:      "Refused operations that indicate a driver logic bug.",
		}, []string{"kind"}),
		AllocFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alloc_failures_total",
			Help:      "Failed sea page, slot or backing store allocations.",
		}, []string{"resource"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.PoolsLive,
			m.HwSemaphoresLive,
			m.SemaphoresLive,
			m.ThresholdsPrepared,
			m.FastForwards,
			m.InvariantViolations,
			m.AllocFailures,
		)
	}
	return m
}

func (m *SemaphoreMetrics) PoolAllocated() {
	if m != nil {
		m.PoolsLive.Inc()
	}
}

func (m *SemaphoreMetrics) PoolFreed() {
	if m != nil {
		m.PoolsLive.Dec()
	}
}

func (m *SemaphoreMetrics) HwSemaphoreCreated() {
	if m != nil {
		m.HwSemaphoresLive.Inc()
	}
}

func (m *SemaphoreMetrics) HwSemaphoreDestroyed() {
	if m != nil {
		m.HwSemaphoresLive.Dec()
	}
}

func (m *SemaphoreMetrics) SemaphoreCreated() {
	if m != nil {
		m.SemaphoresLive.Inc()
	}
}

func (m *SemaphoreMetrics) SemaphoreFreed() {
	if m != nil {
		m.SemaphoresLive.Dec()
	}
}

func (m *SemaphoreMetrics) ThresholdPrepared() {
	if m != nil {
		m.ThresholdsPrepared.Inc()
	}
}

func (m *SemaphoreMetrics) FastForwarded() {
	if m != nil {
		m.FastForwards.Inc()
	}
}

func (m *SemaphoreMetrics) Invariant(kind string) {
	if m != nil {
		m.InvariantViolations.WithLabelValues(kind).Inc()
	}
}

func (m *SemaphoreMetrics) AllocFailed(resource string) {
	if m != nil {
		m.AllocFailures.WithLabelValues(resource).Inc()
	}
}
