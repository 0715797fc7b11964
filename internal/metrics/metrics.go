// Package metrics exposes Prometheus instrumentation for the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics
	AlertsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_alerts_received_total",
			Help: "Total number of alerts accepted for inspection",
		},
	)

	AlertsDuplicate = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_alerts_duplicate_total",
			Help: "Total number of duplicate alert deliveries dropped by the idempotency guard",
		},
	)

	// Contribution metrics
	ContributionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_contributions_total",
			Help: "Total number of inspector contributions merged into the store",
		},
		[]string{"kind"},
	)

	FeedbackDerived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_feedback_derived_total",
			Help: "Total number of attributes re-injected by the feedback loop",
		},
	)

	// Failure metrics
	DeadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_deadletters_total",
			Help: "Total number of messages routed to the dead-letter path",
		},
		[]string{"reason"},
	)

	WorkflowFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_workflow_failures_total",
			Help: "Total number of workflow runs that reached the Failed state",
		},
		[]string{"workflow", "step"},
	)

	// Publication metrics
	ReportsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_reports_published_total",
			Help: "Total number of reports published",
		},
	)
)
