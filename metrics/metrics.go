package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ValidationsTotal counts bearer token verdicts. The result label is "ok"
	// or the rejection reason.
	//
	// Example usage:
	// metrics.ValidationsTotal.WithLabelValues("unknown_kid").Inc()
	ValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jwtgate_validations_total",
			Help: "Number of bearer tokens validated, by result.",
		},
		[]string{"result"},
	)

	// ValidationDuration observes the time spent in token validation.
	ValidationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jwtgate_validation_duration_seconds",
			Help:    "Time spent validating a bearer token.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 12),
		},
	)

	// MissingCredentialsTotal counts requests to protected routes rejected
	// before validation because the Authorization header was absent or not a
	// bearer credential.
	//
	// Example usage:
	// metrics.MissingCredentialsTotal.WithLabelValues("missing").Inc()
	MissingCredentialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jwtgate_missing_credentials_total",
			Help: "Number of requests without a usable bearer credential.",
		},
		[]string{"condition"},
	)

	// KeyStoreKeys reports the number of keys in the active key store.
	KeyStoreKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jwtgate_keystore_keys",
			Help: "Number of verification keys in the active key store.",
		},
	)

	// KeyStoreReloadsTotal counts key store rebuilds triggered by JWKS file
	// changes.
	//
	// Example usage:
	// metrics.KeyStoreReloadsTotal.WithLabelValues("error").Inc()
	KeyStoreReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jwtgate_keystore_reloads_total",
			Help: "Number of key store reloads, by status.",
		},
		[]string{"status"},
	)
)
