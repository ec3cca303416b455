// Package metrics holds the Prometheus collectors the service exports on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transitions counts committed state changes
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "approvals",
		Name:      "transitions_total",
		Help:      "Committed approval transitions by outcome and channel.",
	}, []string{"outcome", "channel"})

	// Rejections counts engine calls refused before any state change
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "approvals",
		Name:      "rejections_total",
		Help:      "Approval actions refused, by error code.",
	}, []string{"code"})

	// ConsistencyFailures counts transitions that could not be committed after
	// the token or item had been touched. Any increase needs an operator.
	ConsistencyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "approvals",
		Name:      "consistency_failures_total",
		Help:      "Transitions that failed after the token was consumed.",
	})

	// OutboxDeliveries counts delivery attempts by result
	OutboxDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "approvals",
		Name:      "outbox_deliveries_total",
		Help:      "Notification delivery attempts by result (sent, retry, failed).",
	}, []string{"result"})
)
