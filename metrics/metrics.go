// Package metrics registers the node's prometheus instruments on the
// default registry; the launcher serves them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BlockHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sparkcoin_block_height",
		Help: "Height of the chain tip",
	})

	TotalSupply = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sparkcoin_total_supply_sparks",
		Help: "Total token supply in base units",
	})

	BlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sparkcoin_blocks_total",
		Help: "Blocks processed by acceptance status",
	}, []string{"status"})

	TransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sparkcoin_transactions_total",
		Help: "Transactions processed by kind and status",
	}, []string{"kind", "status"})

	ProofsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sparkcoin_energy_proofs_total",
		Help: "Energy proofs submitted by outcome",
	}, []string{"outcome"})

	PegCorrections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sparkcoin_peg_corrections_total",
		Help: "Peg controller corrections by action",
	}, []string{"action"})

	ConnectedPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sparkcoin_connected_peers",
		Help: "Current number of connected peers",
	})

	ValidatorsSlashed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sparkcoin_validators_slashed_total",
		Help: "Slashing events applied",
	})
)
