// Package metrics exposes prometheus instrumentation for the synchronizer
// and the ingestion pipeline. Terminal failures (conflicts, dead-letter
// escalations) must be observable here as well as in logs; components
// accept a nil *Set and degrade to no-ops so tests stay light.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "statemesh"

// Set bundles every collector the module emits.
type Set struct {
	PropagationFailures prometheus.Counter
	ConflictsDetected   prometheus.Counter
	MergesPerformed     prometheus.Counter

	WebhookRequests *prometheus.CounterVec // label: outcome
	OperationsDone  *prometheus.CounterVec // label: state (completed|dlq)
	RetriesTotal    prometheus.Counter

	DeadLetterDepth prometheus.Gauge
	ReconcileRuns   *prometheus.CounterVec // label: outcome (recovered|left)
}

// New registers all collectors with reg and returns the set.
func New(reg prometheus.Registerer) *Set {
	s := &Set{
		PropagationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_propagation_failures_total",
			Help:      "Session writes to the remote authority that exhausted their retry budget.",
		}),
		ConflictsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_conflicts_total",
			Help:      "Sessions marked conflict after a failed sync or propagation.",
		}),
		MergesPerformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_merges_total",
			Help:      "Deterministic merges of concurrent session versions.",
		}),
		WebhookRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_requests_total",
			Help:      "Webhook intake results by outcome.",
		}, []string{"outcome"}),
		OperationsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_terminal_total",
			Help:      "Sync operations reaching a terminal state.",
		}, []string{"state"}),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_retries_total",
			Help:      "Sync operation handler retries scheduled.",
		}),
		DeadLetterDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dead_letter_depth",
			Help:      "Dead-letter entries observed by the last reconciler sweep.",
		}),
		ReconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letter_reconcile_total",
			Help:      "Dead-letter reconciliation attempts by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		s.PropagationFailures,
		s.ConflictsDetected,
		s.MergesPerformed,
		s.WebhookRequests,
		s.OperationsDone,
		s.RetriesTotal,
		s.DeadLetterDepth,
		s.ReconcileRuns,
	)
	return s
}

// Nil-tolerant helpers so call sites don't branch on instrumentation.

func (s *Set) IncPropagationFailure() {
	if s != nil {
		s.PropagationFailures.Inc()
	}
}

func (s *Set) IncConflict() {
	if s != nil {
		s.ConflictsDetected.Inc()
	}
}

func (s *Set) IncMerge() {
	if s != nil {
		s.MergesPerformed.Inc()
	}
}

func (s *Set) IncWebhook(outcome string) {
	if s != nil {
		s.WebhookRequests.WithLabelValues(outcome).Inc()
	}
}

func (s *Set) IncOperationDone(state string) {
	if s != nil {
		s.OperationsDone.WithLabelValues(state).Inc()
	}
}

func (s *Set) IncRetry() {
	if s != nil {
		s.RetriesTotal.Inc()
	}
}

func (s *Set) SetDeadLetterDepth(n int) {
	if s != nil {
		s.DeadLetterDepth.Set(float64(n))
	}
}

func (s *Set) IncReconcile(outcome string) {
	if s != nil {
		s.ReconcileRuns.WithLabelValues(outcome).Inc()
	}
}
