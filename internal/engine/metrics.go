package engine

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	MatchPasses   *prometheus.CounterVec
	Fills         *prometheus.CounterVec
	MatchDuration *prometheus.HistogramVec
	HaltedAssets  prometheus.Gauge
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		MatchPasses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_match_passes_total",
				Help: "Matching passes by terminal result.",
			},
			[]string{"result"},
		),
		Fills: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_fills_total",
				Help: "Fills by asset and settlement outcome.",
			},
			[]string{"asset", "outcome"},
		),
		MatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_match_duration_seconds",
				Help:    "Matching pass duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"asset"},
		),
		HaltedAssets: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "engine_halted_assets",
				Help: "Assets with matching halted after an invariant violation.",
			},
		),
	}

	registry.MustRegister(m.MatchPasses, m.Fills, m.MatchDuration, m.HaltedAssets)
	return m
}

func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
