// Package metrics exposes checkpoint engine activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"snapkeep/internal/checkpoint"
)

// Recorder implements checkpoint.Observer on its own registry.
type Recorder struct {
	registry    *prometheus.Registry
	operations  *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	checkpoints *prometheus.GaugeVec
}

// NewRecorder registers the snapkeep metrics on a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "snapkeep_operations_total",
			Help: "Checkpoint operations by type and status",
		}, []string{"op", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "snapkeep_operation_duration_seconds",
			Help:    "Time spent in checkpoint operations",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"op"}),
		checkpoints: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "snapkeep_checkpoints",
			Help: "Registered checkpoints by state",
		}, []string{"state"}),
	}
}

// ObserveOperation records one finished operation.
func (r *Recorder) ObserveOperation(op string, elapsed time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	r.operations.WithLabelValues(op, status).Inc()
	r.duration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveCheckpoints sets the per-state checkpoint gauges.
func (r *Recorder) ObserveCheckpoints(counts map[checkpoint.State]int) {
	for state, n := range counts {
		r.checkpoints.WithLabelValues(string(state)).Set(float64(n))
	}
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
