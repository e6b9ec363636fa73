package webhooks

import "github.com/prometheus/client_golang/prometheus"

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "piguard",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook deliveries queued by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "piguard",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook deliveries that failed after retries, by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}
