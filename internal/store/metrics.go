// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package store

import "github.com/prometheus/client_golang/prometheus"

// RetriesTotal counts ledger updates retried after a serialization conflict.
// Use RegisterMetrics to register this with a Prometheus registry.
var RetriesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "hiddenmove_store_retries_total",
		Help: "Total number of ledger updates retried after a serialization conflict",
	},
)

// RegisterMetrics registers store metrics with the given registry.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(RetriesTotal)
}

// RecordRetry counts one retried update.
func RecordRetry() {
	RetriesTotal.Inc()
}
