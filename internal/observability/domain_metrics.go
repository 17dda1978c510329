package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdb_agent_turns_total",
			Help: "Total number of processed agent turns by routed intent.",
		},
		[]string{"intent"},
	)
	verifierRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "askdb_verifier_rejections_total",
			Help: "Total number of candidate statements rejected by the SQL verifier.",
		},
	)
	rbacDenialsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "askdb_rbac_denials_total",
			Help: "Total number of modification statements refused by the RBAC gate.",
		},
	)
	executedStatementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdb_executed_statements_total",
			Help: "Total number of executed SQL statements by kind.",
		},
		[]string{"kind"},
	)
	executionFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "askdb_execution_failures_total",
			Help: "Total number of SQL statements that failed at the database.",
		},
	)
	refinementFallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "askdb_refinement_fallbacks_total",
			Help: "Total number of refinement turns that fell back to full regeneration.",
		},
	)
	completionRequestDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "askdb_completion_request_duration_seconds",
			Help:    "Latency of text-completion capability calls.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)
	completionFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "askdb_completion_failures_total",
			Help: "Total number of failed text-completion capability calls.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		turnsTotal,
		verifierRejectionsTotal,
		rbacDenialsTotal,
		executedStatementsTotal,
		executionFailuresTotal,
		refinementFallbacksTotal,
		completionRequestDurationSeconds,
		completionFailuresTotal,
	)
}

func IncTurn(intent string) {
	turnsTotal.WithLabelValues(intent).Inc()
}

func IncVerifierRejection() {
	verifierRejectionsTotal.Inc()
}

func IncRBACDenial() {
	rbacDenialsTotal.Inc()
}

func IncExecutedStatement(kind string) {
	executedStatementsTotal.WithLabelValues(kind).Inc()
}

func IncExecutionFailure() {
	executionFailuresTotal.Inc()
}

func IncRefinementFallback() {
	refinementFallbacksTotal.Inc()
}

func ObserveCompletionDuration(d time.Duration) {
	completionRequestDurationSeconds.Observe(d.Seconds())
}

func IncCompletionFailure() {
	completionFailuresTotal.Inc()
}
