package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReconciliationsTotal counts reconciliation passes by source and outcome.
	ReconciliationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billingsync",
		Subsystem: "reconcile",
		Name:      "passes_total",
		Help:      "Reconciliation passes by source and outcome (changed, unchanged, duplicate, stale, error).",
	}, []string{"source", "outcome"})

	// DriftRepairsTotal counts active records whose payment flag was repaired.
	DriftRepairsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "billingsync",
		Subsystem: "reconcile",
		Name:      "drift_repairs_total",
		Help:      "Active billing records found with an unconfirmed payment flag and repaired.",
	})

	// ReconcileDuration tracks how long the per-account lock is held.
	ReconcileDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "billingsync",
		Subsystem: "reconcile",
		Name:      "duration_seconds",
		Help:      "Reconciliation pass duration in seconds, lock wait included.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"source"})

	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billingsync",
		Subsystem: "webhook",
		Name:      "requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook handling latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "billingsync",
		Subsystem: "webhook",
		Name:      "duration_seconds",
		Help:      "Stripe webhook handling duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// ProcessorCallsTotal counts outbound processor calls by operation and outcome.
	ProcessorCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billingsync",
		Subsystem: "processor",
		Name:      "calls_total",
		Help:      "Outbound payment processor calls by operation and outcome.",
	}, []string{"op", "outcome"})

	// ProcessorCallDuration tracks outbound processor latency.
	ProcessorCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "billingsync",
		Subsystem: "processor",
		Name:      "call_duration_seconds",
		Help:      "Outbound payment processor call duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
	}, []string{"op"})

	// ActionsTotal counts user-initiated subscription actions by action and outcome.
	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billingsync",
		Subsystem: "actions",
		Name:      "requests_total",
		Help:      "Subscription actions by action and outcome.",
	}, []string{"action", "outcome"})

	// TasksTotal counts deferred reconciliation tasks by kind and outcome.
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billingsync",
		Subsystem: "queue",
		Name:      "tasks_total",
		Help:      "Deferred reconciliation tasks by kind and outcome (done, retried, dead_lettered, dropped).",
	}, []string{"kind", "outcome"})

	// NotificationsTotal counts notification dispatches by intent and outcome.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billingsync",
		Subsystem: "notify",
		Name:      "dispatches_total",
		Help:      "Notification dispatches by intent kind and outcome.",
	}, []string{"kind", "outcome"})
)
