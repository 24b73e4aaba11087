package settlement

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Settlements        *prometheus.CounterVec
	SettlementLatency  prometheus.Histogram
	Compensations      *prometheus.CounterVec
	ReconciliationFlag prometheus.Counter
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Settlements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_trades_total",
				Help: "Settlement attempts by outcome.",
			},
			[]string{"outcome"},
		),
		SettlementLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "settlement_duration_seconds",
				Help:    "End-to-end settlement duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		Compensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_compensations_total",
				Help: "Compensating movements by result.",
			},
			[]string{"result"},
		),
		ReconciliationFlag: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "settlement_reconciliation_flags_total",
				Help: "Trades flagged for manual reconciliation.",
			},
		),
	}

	registry.MustRegister(m.Settlements, m.SettlementLatency, m.Compensations, m.ReconciliationFlag)
	return m
}

// NewNopMetrics returns metrics backed by a throwaway registry, for tests.
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
