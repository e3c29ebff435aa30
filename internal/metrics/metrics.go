package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Store holds the Prometheus metrics collectors.
type Store struct {
	Registry               *prometheus.Registry // non-global registry
	HandlesActive          prometheus.Gauge
	AuthenticatorRefs      prometheus.Gauge
	CredentialUpdatesTotal *prometheus.CounterVec
	CredentialLookupsTotal *prometheus.CounterVec
	SecretFetchTotal       *prometheus.CounterVec
	ConnectDuration        *prometheus.HistogramVec
	ConnectErrorsTotal     *prometheus.CounterVec
}

// NewMetricsStore creates and registers Prometheus metrics.
func NewMetricsStore() *Store {
	registry := prometheus.NewRegistry()

	return &Store{
		Registry: registry,
		HandlesActive: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "dbcreds_handles_active",
			Help: "Number of client handles that have not been destroyed.",
		}),
		AuthenticatorRefs: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "dbcreds_authenticator_refcount",
			Help: "Reference count of the most recently attached or released authenticator.",
		}),
		CredentialUpdatesTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "dbcreds_credential_updates_total",
			Help: "Credential mutations, labeled by scope and result (ok, conflict, invalid).",
		}, []string{"scope", "result"}),
		CredentialLookupsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "dbcreds_credential_lookups_total",
			Help: "Per-target credential lookups, labeled by authenticator mode.",
		}, []string{"mode"}),
		SecretFetchTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "dbcreds_secret_fetch_total",
			Help: "Secret manager reads, labeled by scope and result.",
		}, []string{"scope", "result"}),
		ConnectDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dbcreds_connect_duration_seconds",
			Help:    "Time to open and ping a connection pool for a target.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		}, []string{"target"}),
		ConnectErrorsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "dbcreds_connect_errors_total",
			Help: "Connection errors, labeled by type (dsn, connect, ping, cancelled, failed) and target.",
		}, []string{"type", "target"}),
	}
}
