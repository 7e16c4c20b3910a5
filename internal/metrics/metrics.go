// Package metrics exposes process counters for the workorder engine. These
// are operational counters, not the reporting/dashboard layer, which lives in
// downstream consumers of the event stream.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riverops",
		Name:      "transitions_total",
		Help:      "Committed workorder transitions by action.",
	}, []string{"action"})

	Denials = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riverops",
		Name:      "permission_denials_total",
		Help:      "Transition requests rejected by the permission gate.",
	}, []string{"reason"})

	VersionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "riverops",
		Name:      "version_conflicts_total",
		Help:      "Compare-and-swap writes lost to a concurrent transition.",
	})

	Escalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riverops",
		Name:      "escalations_total",
		Help:      "Timeout interventions performed by the sweep, by severity.",
	}, []string{"severity"})

	PublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "riverops",
		Name:      "event_publish_failures_total",
		Help:      "Domain events that could not be published outward.",
	})
)
