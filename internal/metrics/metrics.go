// Package metrics holds the Prometheus collectors for the dispatch core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Claims counts claim attempts by outcome (won, already_assigned, invalid, conflict, error).
	Claims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escort_claims_total",
		Help: "Claim attempts by outcome.",
	}, []string{"outcome"})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escort_transitions_total",
		Help: "Applied order status transitions.",
	}, []string{"from", "to"})

	Reclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escort_reclaimed_total",
		Help: "Assigned orders returned to the pool by the reclaim sweep.",
	})

	// SettlementLines counts commission lines by outcome (distributed, skipped, failed).
	SettlementLines = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escort_settlement_lines_total",
		Help: "Commission lines evaluated during settlement.",
	}, []string{"outcome"})

	WalletRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escort_wallet_requests_total",
		Help: "Wallet credit/debit requests by kind and outcome.",
	}, []string{"kind", "outcome"})

	SettlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "escort_settlement_duration_seconds",
		Help:    "Time spent settling one order.",
		Buckets: prometheus.DefBuckets,
	})
)
