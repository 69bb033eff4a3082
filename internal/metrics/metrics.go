// Package metrics provides Prometheus metrics for the settlement engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SettlementMetrics collects and exposes settlement-related Prometheus
// metrics on a private registry.
type SettlementMetrics struct {
	registry *prometheus.Registry

	// Market lifecycle
	MarketsCreated   prometheus.Counter
	MarketsResolved  *prometheus.CounterVec
	MarketsCancelled prometheus.Counter
	ActiveMarkets    prometheus.Gauge

	// Staking
	StakesTotal *prometheus.CounterVec
	StakeVolume *prometheus.CounterVec
	StakeSize   *prometheus.HistogramVec

	// Claims
	ClaimsTotal *prometheus.CounterVec
	ClaimVolume *prometheus.CounterVec

	// Failures
	EscrowFailures  *prometheus.CounterVec
	OperationErrors *prometheus.CounterVec
}

// New creates a settlement metrics collector with all series registered.
func New() *SettlementMetrics {
	registry := prometheus.NewRegistry()

	sm := &SettlementMetrics{
		registry: registry,

		MarketsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stakehouse_markets_created_total",
			Help: "Total number of markets created",
		}),
		MarketsResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stakehouse_markets_resolved_total",
				Help: "Total number of markets resolved",
			},
			[]string{"outcome"},
		),
		MarketsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stakehouse_markets_cancelled_total",
			Help: "Total number of markets cancelled",
		}),
		ActiveMarkets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stakehouse_active_markets",
			Help: "Number of markets currently open for staking",
		}),

		StakesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stakehouse_stakes_total",
				Help: "Total number of stakes placed",
			},
			[]string{"side"},
		),
		StakeVolume: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stakehouse_stake_volume_units",
				Help: "Total staked volume in integer units",
			},
			[]string{"side"},
		),
		StakeSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stakehouse_stake_size_units",
				Help:    "Individual stake size in integer units",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8), // 100 to 1e9
			},
			[]string{"side"},
		),

		ClaimsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stakehouse_claims_total",
				Help: "Total number of claims paid",
			},
			[]string{"kind"},
		),
		ClaimVolume: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stakehouse_claim_volume_units",
				Help: "Total claimed volume in integer units",
			},
			[]string{"kind"},
		),

		EscrowFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stakehouse_escrow_failures_total",
				Help: "Total number of rejected escrow transfers",
			},
			[]string{"op"},
		),
		OperationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stakehouse_operation_errors_total",
				Help: "Total number of failed settlement operations",
			},
			[]string{"op"},
		),
	}

	registry.MustRegister(
		sm.MarketsCreated,
		sm.MarketsResolved,
		sm.MarketsCancelled,
		sm.ActiveMarkets,
		sm.StakesTotal,
		sm.StakeVolume,
		sm.StakeSize,
		sm.ClaimsTotal,
		sm.ClaimVolume,
		sm.EscrowFailures,
		sm.OperationErrors,
	)

	return sm
}

// Registry returns the prometheus registry for the HTTP exposition handler.
func (sm *SettlementMetrics) Registry() *prometheus.Registry {
	return sm.registry
}

// RecordStake records one committed stake.
func (sm *SettlementMetrics) RecordStake(side string, amount int64) {
	sm.StakesTotal.WithLabelValues(side).Inc()
	sm.StakeVolume.WithLabelValues(side).Add(float64(amount))
	sm.StakeSize.WithLabelValues(side).Observe(float64(amount))
}

// RecordClaim records one paid claim or refund.
func (sm *SettlementMetrics) RecordClaim(kind string, amount int64) {
	sm.ClaimsTotal.WithLabelValues(kind).Inc()
	sm.ClaimVolume.WithLabelValues(kind).Add(float64(amount))
}
