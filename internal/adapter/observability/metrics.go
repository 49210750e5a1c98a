package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	TasksAddedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_tasks_added_total",
			Help: "Total number of tasks enqueued, including retry re-enqueues",
		},
		[]string{"priority"},
	)
	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_tasks_completed_total",
			Help: "Total number of tasks acknowledged as completed",
		},
		[]string{"priority"},
	)
	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_tasks_failed_total",
			Help: "Total number of task failures reported by handlers",
		},
		[]string{"priority"},
	)
	TasksDeadLetteredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_tasks_dead_lettered_total",
			Help: "Total number of tasks moved to the dead-letter stream",
		},
	)
	TasksRecoveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_tasks_recovered_total",
			Help: "Total number of pending messages claimed from dead consumers",
		},
	)

	SagasTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_runs_total",
			Help: "Total saga executions by terminal state",
		},
		[]string{"state"},
	)
	SagaStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "saga_step_duration_seconds",
			Help:    "Saga step action duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"step"},
	)

	BreakerTripsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "isolation_breaker_trips_total",
			Help: "Circuit breaker trips by strategy",
		},
		[]string{"strategy_id"},
	)
	QuotaRefusalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "isolation_quota_refusals_total",
			Help: "Quota check refusals by reason",
		},
		[]string{"reason"},
	)

	SandboxExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_executions_total",
			Help: "Sandbox executions by outcome",
		},
		[]string{"outcome"},
	)
	SandboxDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandbox_execution_duration_seconds",
			Help:    "Sandbox execution wall-clock duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	RouterRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_requests_total",
			Help: "Router requests by source and outcome",
		},
		[]string{"source", "outcome"},
	)
	RouterFailoversTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "router_failovers_total",
			Help: "Transitions from primary to direct mode",
		},
	)
	RouterMode = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "router_mode",
			Help: "Current router mode (0=primary, 1=direct)",
		},
	)

	MonitorRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "monitor_primary_restarts_total",
			Help: "Auto-restart attempts of the primary service",
		},
	)
)

// InitMetrics registers all control-plane metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(TasksAddedTotal)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TasksFailedTotal)
	prometheus.MustRegister(TasksDeadLetteredTotal)
	prometheus.MustRegister(TasksRecoveredTotal)
	prometheus.MustRegister(SagasTotal)
	prometheus.MustRegister(SagaStepDuration)
	prometheus.MustRegister(BreakerTripsTotal)
	prometheus.MustRegister(QuotaRefusalsTotal)
	prometheus.MustRegister(SandboxExecutionsTotal)
	prometheus.MustRegister(SandboxDuration)
	prometheus.MustRegister(RouterRequestsTotal)
	prometheus.MustRegister(RouterFailoversTotal)
	prometheus.MustRegister(RouterMode)
	prometheus.MustRegister(MonitorRestartsTotal)
}
