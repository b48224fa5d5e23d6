package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ProcessesStartedTotal counts started processes by type.
	ProcessesStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processes_started_total",
			Help: "Total number of process instances started",
		},
		[]string{"process_type"},
	)
	// ProcessesFinishedTotal counts terminal transitions by type and status.
	ProcessesFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processes_finished_total",
			Help: "Total number of process instances reaching a terminal status",
		},
		[]string{"process_type", "status"},
	)
	// StepRetriesTotal counts step retry dispatches by process type.
	StepRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "step_retries_total",
			Help: "Total number of step retry dispatches",
		},
		[]string{"process_type"},
	)
	// OutboxPublishedTotal counts successfully published outbox rows.
	OutboxPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Total number of outbox rows published to the transport",
		},
	)
	// OutboxRescheduledTotal counts transient publish failures.
	OutboxRescheduledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_rescheduled_total",
			Help: "Total number of outbox rows rescheduled after a transient publish failure",
		},
	)
	// OutboxFailedTotal counts permanent publish failures.
	OutboxFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_failed_total",
			Help: "Total number of outbox rows marked failed after a permanent publish failure",
		},
	)
	// OutboxRecoveredTotal counts stuck claims reset by the recovery loop.
	OutboxRecoveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_recovered_total",
			Help: "Total number of stuck outbox claims reset to NEW",
		},
	)
	// OutboxInFlight gauges rows claimed by this host and not yet resolved.
	OutboxInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_in_flight",
			Help: "Outbox rows currently claimed by this dispatcher",
		},
	)
	// PublishDuration records transport publish latency.
	PublishDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outbox_publish_duration_seconds",
			Help:    "Transport publish duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
	)

	// RepliesDeduplicatedTotal counts replies dropped by the inbox check.
	RepliesDeduplicatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "replies_deduplicated_total",
			Help: "Total number of duplicate replies dropped by the inbox",
		},
	)
	// CommandsParkedTotal counts commands parked to the DLQ.
	CommandsParkedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "commands_parked_total",
			Help: "Total number of commands parked to the DLQ",
		},
	)
	// CommandLeasesExpiredTotal counts leases expired by the recovery loop.
	CommandLeasesExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "command_leases_expired_total",
			Help: "Total number of RUNNING commands timed out by lease expiry",
		},
	)
)

// InitMetrics registers all collectors with the default registry. Safe to
// call once per process.
func InitMetrics() {
	prometheus.MustRegister(
		ProcessesStartedTotal,
		ProcessesFinishedTotal,
		StepRetriesTotal,
		OutboxPublishedTotal,
		OutboxRescheduledTotal,
		OutboxFailedTotal,
		OutboxRecoveredTotal,
		OutboxInFlight,
		PublishDuration,
		RepliesDeduplicatedTotal,
		CommandsParkedTotal,
		CommandLeasesExpiredTotal,
	)
}
