// Package metrics exposes the orchestrator's Prometheus collectors on a
// private registry, so tests can assert on counters without global state.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the orchestrator records.
type Metrics struct {
	registry *prometheus.Registry

	EnginesByHealth    *prometheus.GaugeVec
	StreamsStarted     prometheus.Gauge
	ClientsConnected   prometheus.Gauge
	CatchUpJumps       prometheus.Counter
	ProvisionAttempts  prometheus.Counter
	ProvisionFailures  prometheus.Counter
	BreakerOpen        *prometheus.GaugeVec
	VPNUp              *prometheus.GaugeVec
	HLSSegmentFetches  prometheus.Counter
	StreamEndedReasons *prometheus.CounterVec
}

// New builds the collector set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		EnginesByHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aceorch_engines",
			Help: "Managed engines by health status.",
		}, []string{"health"}),
		StreamsStarted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aceorch_streams_started",
			Help: "Streams currently in the started state.",
		}),
		ClientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aceorch_proxy_clients",
			Help: "Clients attached to proxy sessions.",
		}),
		CatchUpJumps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aceorch_proxy_catchup_jumps_total",
			Help: "Times a slow client was jumped forward to the live edge.",
		}),
		ProvisionAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aceorch_provision_attempts_total",
			Help: "Engine provisioning attempts.",
		}),
		ProvisionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aceorch_provision_failures_total",
			Help: "Engine provisioning failures.",
		}),
		BreakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aceorch_breaker_open",
			Help: "Circuit breaker state per operation (1 = open).",
		}, []string{"op"}),
		VPNUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aceorch_vpn_up",
			Help: "VPN sidecar health (1 = up).",
		}, []string{"vpn"}),
		HLSSegmentFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aceorch_hls_segment_fetches_total",
			Help: "Segments fetched from engines for HLS channels.",
		}),
		StreamEndedReasons: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aceorch_streams_ended_total",
			Help: "Ended streams by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.EnginesByHealth,
		m.StreamsStarted,
		m.ClientsConnected,
		m.CatchUpJumps,
		m.ProvisionAttempts,
		m.ProvisionFailures,
		m.BreakerOpen,
		m.VPNUp,
		m.HLSSegmentFetches,
		m.StreamEndedReasons,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test scrapes.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
