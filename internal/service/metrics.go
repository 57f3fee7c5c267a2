package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the network layer.
// Pass to components that need to record metrics.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	FirewallDecisions *prometheus.CounterVec
	InflightRequests  prometheus.Gauge
	KnownPeers        prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vaultgate",
				Name:      "requests_total",
				Help:      "Total number of inbound requests dispatched",
			},
			[]string{"kind", "status"}, // status=ok/error/client_not_found
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "vaultgate",
				Name:      "request_duration_seconds",
				Help:      "Inbound request handling duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		FirewallDecisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vaultgate",
				Name:      "firewall_decisions_total",
				Help:      "Total firewall rule evaluations",
			},
			[]string{"direction", "result"}, // result=allow/deny
		),
		InflightRequests: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "vaultgate",
				Name:      "inflight_requests",
				Help:      "Inbound requests currently being handled",
			},
		),
		KnownPeers: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "vaultgate",
				Name:      "known_peers",
				Help:      "Peers with entries in the address book",
			},
		),
	}
}
