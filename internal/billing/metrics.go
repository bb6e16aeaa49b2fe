package billing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chargesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_charges_total",
		Help: "Charges by terminal outcome",
	}, []string{"outcome"})

	chargeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crucible_charge_duration_seconds",
		Help:    "End-to-end charge pipeline latency",
		Buckets: prometheus.DefBuckets,
	})

	recordingFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crucible_recording_failures_total",
		Help: "Usage rows lost after a successful debit",
	})
)
