package checkin

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics are the verifier's prometheus collectors. Each API registers its
// own set so tests and multiple servers in one process do not collide.
type Metrics struct {
	Registry *prometheus.Registry

	verifications *prometheus.CounterVec
	checkins      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
}

// NewMetrics creates and registers the verifier collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		verifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tapbeacon_verifications_total",
				Help: "Tokens verified, by endpoint and result",
			},
			[]string{"endpoint", "result"},
		),
		checkins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tapbeacon_checkins_total",
				Help: "Check-ins recorded, by access method",
			},
			[]string{"access_method"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tapbeacon_request_duration_seconds",
				Help:    "Verifier request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
	}

	m.Registry.MustRegister(
		m.verifications,
		m.checkins,
		m.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}
