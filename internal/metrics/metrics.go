// Package metrics exposes prometheus instrumentation for the redemption
// engine and an optional /metrics listener.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RedemptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autoshift_redemptions_total",
		Help: "Redemption attempts by classified outcome.",
	}, []string{"outcome"})

	LoginsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autoshift_logins_total",
		Help: "Successful SHiFT logins, including cache restores replaced by re-login.",
	})

	DiscoverySkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autoshift_discovery_skipped_total",
		Help: "Malformed or unusable code feed entries skipped during discovery.",
	})

	CyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autoshift_cycles_total",
		Help: "Completed redemption cycles.",
	})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "autoshift_cycle_duration_seconds",
		Help:    "Duration of one discovery-then-redemption cycle.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})
)
