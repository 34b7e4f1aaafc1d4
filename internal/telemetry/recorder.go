// Package telemetry exposes run-time counters and histograms for a
// backtest run, collected on a private Prometheus registry rather than
// the global default one so multiple runs (and their tests) never
// collide over shared metric state.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder collects metrics for a single backtest engine's lifetime. A
// nil *Recorder is valid and every method on it is a no-op, so callers
// that don't care about metrics can pass nil instead of threading a
// feature flag through the engine.
type Recorder struct {
	registry *prometheus.Registry

	barsProcessed     prometheus.Counter
	fillsExecuted     prometheus.Counter
	fillsRejected     *prometheus.CounterVec
	regimeTransitions prometheus.Counter
	runDuration       prometheus.Histogram
}

// NewRecorder builds a Recorder on a fresh private registry and
// registers every metric on it.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	r := &Recorder{
		registry: registry,
		barsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "backtest",
			Name:      "bars_processed_total",
			Help:      "Number of bars fed to the strategy.",
		}),
		fillsExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "backtest",
			Name:      "fills_executed_total",
			Help:      "Number of non-rejected fills executed against the portfolio.",
		}),
		fillsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "backtest",
			Name:      "fills_rejected_total",
			Help:      "Number of fills rejected, by reason.",
		}, []string{"reason"}),
		regimeTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "backtest",
			Name:      "regime_transitions_total",
			Help:      "Number of bars on which the classified cell changed from the prior bar.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "backtest",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of a completed RunBacktest call.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	registry.MustRegister(r.barsProcessed, r.fillsExecuted, r.fillsRejected, r.regimeTransitions, r.runDuration)
	return r
}

// Registry returns the private registry backing this Recorder, for
// internal/api to serve over /metrics.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.registry
}

// BarProcessed increments the bars-processed counter.
func (r *Recorder) BarProcessed() {
	if r == nil {
		return
	}
	r.barsProcessed.Inc()
}

// FillExecuted records a fill, separating accepted fills from rejected
// ones by reason code.
func (r *Recorder) FillExecuted(rejected bool, reason string) {
	if r == nil {
		return
	}
	if rejected {
		r.fillsRejected.WithLabelValues(reason).Inc()
		return
	}
	r.fillsExecuted.Inc()
}

// RegimeTransition records a bar on which the classified cell changed.
func (r *Recorder) RegimeTransition() {
	if r == nil {
		return
	}
	r.regimeTransitions.Inc()
}

// ObserveRunDuration records the wall-clock duration of a completed run,
// in seconds.
func (r *Recorder) ObserveRunDuration(seconds float64) {
	if r == nil {
		return
	}
	r.runDuration.Observe(seconds)
}
