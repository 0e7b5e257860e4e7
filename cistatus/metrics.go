package cistatus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ruleEvaluations counts evaluator outcomes: match, previous, none, error.
	ruleEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ci_status_rule_evaluations_total",
		Help: "Rule evaluations by rule type and outcome",
	}, []string{"rule_type", "outcome"})

	// statusWrites counts persisted status rows by owner kind and status.
	statusWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ci_status_status_writes_total",
		Help: "Status rows written by kind and status",
	}, []string{"kind", "status"})

	statusUnchanged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ci_status_status_unchanged_total",
		Help: "Reconciliations that ended without a write",
	}, []string{"kind"})

	stickyOverrides = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ci_status_sticky_overrides_total",
		Help: "Success results held at Fail by sticky failure",
	})

	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ci_status_sweep_duration_seconds",
		Help:    "Duration of a full sweep",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	sweepErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ci_status_sweep_errors_total",
		Help: "Per-owner reconciliation failures during sweeps",
	}, []string{"kind"})
)
