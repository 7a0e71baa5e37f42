package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	TenantsProvisioned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenants_provisioned_total",
			Help: "Total number of tenant provisioning runs by outcome",
		},
		[]string{"status"},
	)
	ProvisioningDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tenant_provisioning_duration_seconds",
			Help:    "Duration of tenant provisioning runs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)
	CachedConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tenant_cached_connections",
			Help: "Number of live per-tenant connection pools in the cache",
		},
	)
	RoutingFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenant_routing_failures_total",
			Help: "Routing failures by reason",
		},
		[]string{"reason"},
	)
)

func InitMetrics() {
	for _, c := range []prometheus.Collector{
		TenantsProvisioned, ProvisioningDuration, CachedConnections, RoutingFailures,
	} {
		if err := prometheus.Register(c); err != nil {
			log.Error().Err(err).Msg("Failed to register metric")
		}
	}
}
