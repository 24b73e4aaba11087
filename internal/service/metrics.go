package service

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	OrderSubmissions       *prometheus.CounterVec
	OrderSubmissionLatency *prometheus.HistogramVec
	OrderCancellations     *prometheus.CounterVec
	BookCacheHits          *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		OrderSubmissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchange_order_submissions_total",
				Help: "Order submissions by result.",
			},
			[]string{"result"},
		),
		OrderSubmissionLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "exchange_order_submission_duration_seconds",
				Help:    "Order submission duration in seconds, matching included.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		),
		OrderCancellations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchange_order_cancellations_total",
				Help: "Order cancellations by result.",
			},
			[]string{"result"},
		),
		BookCacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchange_book_cache_hits_total",
				Help: "Book snapshot cache hit/miss count.",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(m.OrderSubmissions, m.OrderSubmissionLatency, m.OrderCancellations, m.BookCacheHits)
	return m
}

func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
