package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileStalePayments = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "piguard",
		Subsystem: "reconciliation",
		Name:      "stale_payments",
		Help:      "Number of open payments found in the last reconciliation run.",
	})

	reconcileResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "piguard",
		Subsystem: "reconciliation",
		Name:      "resolved_total",
		Help:      "Payments examined by reconciliation, by resolution.",
	}, []string{"resolution"})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "piguard",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "piguard",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileStalePayments,
		reconcileResolved,
		reconcileDuration,
		reconcileErrors,
	)
}
