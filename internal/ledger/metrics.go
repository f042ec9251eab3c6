// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for transition metrics.
const (
	OutcomeCommitted = "committed"
	OutcomeRejected  = "rejected"
	OutcomeError     = "error"
)

// TransitionsTotal counts evaluated transitions.
// Use RegisterMetrics to register this with a Prometheus registry.
var TransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hiddenmove_transitions_total",
		Help: "Total number of evaluated ledger transitions",
	},
	[]string{"op", "outcome", "category"},
)

// TransitionDuration observes transition evaluation time, including storage.
var TransitionDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "hiddenmove_transition_duration_seconds",
		Help:    "Ledger transition duration in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"op"},
)

// RegisterMetrics registers ledger metrics with the given registry.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(TransitionsTotal)
	reg.MustRegister(TransitionDuration)
}

// RecordTransition counts one transition. category is empty unless the
// outcome is OutcomeRejected.
func RecordTransition(op Op, outcome, category string) {
	TransitionsTotal.WithLabelValues(string(op), outcome, category).Inc()
}

// RecordTransitionDuration records how long a transition took.
func RecordTransitionDuration(op Op, d time.Duration) {
	TransitionDuration.WithLabelValues(string(op)).Observe(d.Seconds())
}
