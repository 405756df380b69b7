package escrow

import "github.com/prometheus/client_golang/prometheus"

var (
	processorCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pactum",
		Subsystem: "escrow",
		Name:      "processor_calls_total",
		Help:      "Payment processor calls by operation and result.",
	}, []string{"operation", "result"})

	processorDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pactum",
		Subsystem: "escrow",
		Name:      "processor_call_duration_seconds",
		Help:      "Payment processor call duration including retries.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 30},
	}, []string{"operation"})

	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pactum",
		Subsystem: "escrow",
		Name:      "transitions_total",
		Help:      "Applied lifecycle transitions by event.",
	}, []string{"event"})

	conflictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pactum",
		Subsystem: "escrow",
		Name:      "conflicts_total",
		Help:      "Guarded writes that lost a race, by event.",
	}, []string{"event"})

	webhookEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pactum",
		Subsystem: "escrow",
		Name:      "webhook_events_total",
		Help:      "Processor webhook events by kind and outcome.",
	}, []string{"kind", "outcome"})

	sweepItems = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pactum",
		Subsystem: "reconciliation",
		Name:      "sweep_items_total",
		Help:      "Items advanced by each reconciliation sweep.",
	}, []string{"sweep"})

	sweepErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pactum",
		Subsystem: "reconciliation",
		Name:      "sweep_errors_total",
		Help:      "Per-item failures in each reconciliation sweep.",
	}, []string{"sweep"})

	tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pactum",
		Subsystem: "reconciliation",
		Name:      "tick_duration_seconds",
		Help:      "Duration of reconciliation ticks in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})
)

func init() {
	prometheus.MustRegister(
		processorCalls,
		processorDuration,
		transitionsTotal,
		conflictsTotal,
		webhookEvents,
		sweepItems,
		sweepErrors,
		tickDuration,
	)
}
