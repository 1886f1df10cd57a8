// Package metrics defines the Prometheus collectors shared by the fleet client, the response
// caches and the HTTP server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// UpstreamRequests counts Fleet API requests by endpoint kind and HTTP status code. Transport
	// failures are recorded with code "error".
	UpstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "greendrive_upstream_requests_total",
			Help: "Fleet API requests by endpoint kind and response code.",
		},
		[]string{"endpoint", "code"},
	)

	// TokenRefreshes counts refresh_token grants by outcome (success/failed).
	TokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "greendrive_token_refreshes_total",
			Help: "OAuth refresh attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// WakeCycles counts vehicle wake cycles by terminal state (succeeded/timed_out/failed).
	WakeCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "greendrive_wake_cycles_total",
			Help: "Vehicle wake-up cycles by terminal state.",
		},
		[]string{"result"},
	)

	// WakeDuration observes how long callers waited for a vehicle to come online.
	WakeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "greendrive_wake_duration_seconds",
			Help:    "Time spent waiting for a vehicle to wake.",
			Buckets: []float64{1, 5, 10, 15, 20, 25, 30, 35},
		},
	)

	// CacheLookups counts response cache reads by cache name and result (hit/miss/expired).
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "greendrive_cache_lookups_total",
			Help: "Response cache lookups by cache and result.",
		},
		[]string{"cache", "result"},
	)

	// ScoresComputed counts freshly computed scores by tier.
	ScoresComputed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "greendrive_scores_computed_total",
			Help: "GreenDrive scores computed by tier.",
		},
		[]string{"tier"},
	)

	// DemoFallbacks counts HTTP responses served from demonstration data, by route.
	DemoFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "greendrive_demo_fallbacks_total",
			Help: "Responses that fell back to demonstration data.",
		},
		[]string{"route"},
	)
)

// Collectors returns every collector defined by this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		UpstreamRequests,
		TokenRefreshes,
		WakeCycles,
		WakeDuration,
		CacheLookups,
		ScoresComputed,
		DemoFallbacks,
	}
}

// Register adds all collectors to reg. Collectors that are already registered are skipped, so
// Register may be called once per server instance.
func Register(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
