package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the backend's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	MatchesActive   prometheus.Gauge
	Presences       prometheus.Gauge
	Sessions        prometheus.Gauge
	MatchDataRelays prometheus.Counter
	MatchmakerQueue prometheus.Gauge
	RPCCalls        *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
}

// NewMetrics creates and registers the backend collectors together with the
// Go runtime and process collectors.
//
// Postcondition: Returns a Metrics whose Handler serves every collector.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		MatchesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "matchrelay",
			Name:      "matches_active",
			Help:      "Matches currently registered.",
		}),
		Presences: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "matchrelay",
			Name:      "match_presences",
			Help:      "Presences across all matches.",
		}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "matchrelay",
			Name:      "realtime_sessions",
			Help:      "Open realtime sockets.",
		}),
		MatchDataRelays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "matchrelay",
			Name:      "match_data_relayed_total",
			Help:      "Match data messages relayed to at least one peer.",
		}),
		MatchmakerQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "matchrelay",
			Name:      "matchmaker_tickets",
			Help:      "Matchmaker tickets waiting.",
		}),
		RPCCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matchrelay",
			Name:      "rpc_calls_total",
			Help:      "RPC calls by id and result.",
		}, []string{"id", "result"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matchrelay",
			Name:      "http_requests_total",
			Help:      "HTTP API requests by route and status code.",
		}, []string{"route", "code"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.MatchesActive,
		m.Presences,
		m.Sessions,
		m.MatchDataRelays,
		m.MatchmakerQueue,
		m.RPCCalls,
		m.HTTPRequests,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
