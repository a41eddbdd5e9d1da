package collector

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsSet holds the collector's Prometheus instruments on a private
// registry, so several collectors can coexist in one process.
type metricsSet struct {
	registry *prometheus.Registry

	packets   *prometheus.CounterVec
	malformed prometheus.Counter
	alerts    prometheus.Counter
	live      prometheus.Gauge
}

func newMetricsSet() *metricsSet {
	m := &metricsSet{
		registry: prometheus.NewRegistry(),
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procbeat_packets_total",
			Help: "Well-formed packets processed, by kind.",
		}, []string{"kind"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procbeat_malformed_packets_total",
			Help: "Packets dropped because they failed to decode.",
		}),
		alerts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procbeat_alerts_delivered_total",
			Help: "Missed-heartbeat alerts delivered to the notifier.",
		}),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procbeat_live_processes",
			Help: "Entries currently present in the liveness table.",
		}),
	}
	m.registry.MustRegister(m.packets, m.malformed, m.alerts, m.live)
	return m
}

// MetricsHandler exposes the collector's Prometheus registry over HTTP.
func (c *Collector) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(c.metrics.registry, promhttp.HandlerOpts{})
}
