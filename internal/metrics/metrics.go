// Package metrics exposes Prometheus instrumentation for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the engine emits.
type Metrics struct {
	OpenPositions        *prometheus.GaugeVec
	PortfolioRiskPct     prometheus.Gauge
	ExecutionsTotal      *prometheus.CounterVec
	ExecutionDuration    prometheus.Histogram
	StopAdjustments      *prometheus.CounterVec
	RungsTriggered       *prometheus.CounterVec
	TargetsFilled        prometheus.Counter
	ReconcileCorrections *prometheus.CounterVec
	ExternalImports      prometheus.Counter
	ManualAlerts         prometheus.Counter
	BlackSwans           prometheus.Counter
	CircuitState         prometheus.Gauge
	StreamReconnects     prometheus.Counter
}

// New registers all collectors on the given registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		OpenPositions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_open_positions",
			Help: "Open positions per trading mode.",
		}, []string{"mode"}),

		PortfolioRiskPct: factory.NewGauge(prometheus.GaugeOpts{
			Name: "engine_portfolio_risk_percent",
			Help: "Aggregate portfolio risk as a fraction of equity.",
		}),

		ExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_executions_total",
			Help: "Exit execution attempts by strategy and outcome.",
		}, []string{"method", "outcome"}),

		ExecutionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_execution_duration_seconds",
			Help:    "Wall time from rung trigger to confirmed fill.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		StopAdjustments: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_stop_adjustments_total",
			Help: "Stop replacements by adjustment method.",
		}, []string{"method"}),

		RungsTriggered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_rungs_triggered_total",
			Help: "Stop rung triggers by detection path.",
		}, []string{"detected_by"}),

		TargetsFilled: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_targets_filled_total",
			Help: "Staged profit targets filled.",
		}),

		ReconcileCorrections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_reconcile_corrections_total",
			Help: "Reconciliation corrections by field.",
		}, []string{"field"}),

		ExternalImports: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_external_imports_total",
			Help: "Positions imported from the exchange.",
		}),

		ManualAlerts: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_manual_alerts_total",
			Help: "Manual intervention alerts raised.",
		}),

		BlackSwans: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_black_swans_total",
			Help: "Black swan events detected.",
		}),

		CircuitState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "engine_circuit_breaker_state",
			Help: "Execution circuit breaker state (0 closed, 1 half-open, 2 open).",
		}),

		StreamReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_stream_reconnects_total",
			Help: "Price stream reconnections.",
		}),
	}
}

// SetCircuitState maps a breaker state string onto the gauge.
func (m *Metrics) SetCircuitState(state string) {
	switch state {
	case "open":
		m.CircuitState.Set(2)
	case "half_open":
		m.CircuitState.Set(1)
	default:
		m.CircuitState.Set(0)
	}
}
