// Package metrics exports per-tick solver telemetry to Prometheus. Ticks run
// inside a frame budget, so the duration histogram is the number to watch.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Tick outcomes.
const (
	OutcomeApplied  = "applied"
	OutcomeDegraded = "degraded"
	OutcomeSkipped  = "skipped"
	OutcomeFailed   = "failed"
)

// Metrics groups the collectors of one registry.
type Metrics struct {
	tickDuration *prometheus.HistogramVec
	ticks        *prometheus.CounterVec
	rebuilds     *prometheus.CounterVec
	errorNorm    *prometheus.GaugeVec
	jacobianSize *prometheus.GaugeVec
}

// New registers the solver collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		// tickDuration tracks time spent in one modifier tick
		tickDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mannequin_tick_duration_seconds",
			Help:    "IK tick duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 14), // 10µs to ~80ms
		}, []string{"mode"}),

		// ticks counts ticks by mode and outcome
		ticks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mannequin_ticks_total",
			Help: "IK ticks by mode and outcome",
		}, []string{"mode", "outcome"}),

		// rebuilds counts structural rebuilds by result
		rebuilds: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mannequin_rebuilds_total",
			Help: "Structural rebuilds by result",
		}, []string{"result"}),

		errorNorm: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mannequin_delta_norm",
			Help: "Norm of the last joint-angle update",
		}, []string{"mode"}),

		jacobianSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mannequin_jacobian_dims",
			Help: "Jacobian shape after the last rebuild",
		}, []string{"axis"}),
	}
}

// ObserveTick records one tick.
func (m *Metrics) ObserveTick(mode, outcome string, took time.Duration, deltaNorm float64) {
	if m == nil {
		return
	}
	m.tickDuration.WithLabelValues(mode).Observe(took.Seconds())
	m.ticks.WithLabelValues(mode, outcome).Inc()
	m.errorNorm.WithLabelValues(mode).Set(deltaNorm)
}

// ObserveRebuild records one rebuild attempt and, on success, its shape.
func (m *Metrics) ObserveRebuild(err error, rows, cols int) {
	if m == nil {
		return
	}
	if err != nil {
		m.rebuilds.WithLabelValues("error").Inc()
		return
	}
	m.rebuilds.WithLabelValues("ok").Inc()
	m.jacobianSize.WithLabelValues("rows").Set(float64(rows))
	m.jacobianSize.WithLabelValues("cols").Set(float64(cols))
}
