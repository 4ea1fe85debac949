package cartographnode

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsCollector owns a dedicated Prometheus registry (rather than the
// global default registry) so multiple Nodes can coexist in a test binary
// without a duplicate-registration panic.
type metricsCollector struct {
	reg *prometheus.Registry

	entitiesTracked *prometheus.GaugeVec
	boundsOwned     *prometheus.GaugeVec
	connectionsOpen *prometheus.GaugeVec
}

func newMetricsCollector() *metricsCollector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &metricsCollector{
		reg: reg,
		entitiesTracked: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "atlasnet_cartograph_entities_tracked",
			Help: "Entities a shard currently reports as tracked in authority_telemetry.",
		}, []string{"shard"}),
		boundsOwned: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "atlasnet_cartograph_bounds_owned",
			Help: "Bounds currently claimed by a shard.",
		}, []string{"shard"}),
		connectionsOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "atlasnet_cartograph_connections_open",
			Help: "Connection rows a shard currently reports in network_telemetry.",
		}, []string{"shard"}),
	}
}

func (m *metricsCollector) setEntitiesTracked(shard string, n int) {
	m.entitiesTracked.WithLabelValues(shard).Set(float64(n))
}

func (m *metricsCollector) setBoundsOwned(shard string, n int) {
	m.boundsOwned.WithLabelValues(shard).Set(float64(n))
}

func (m *metricsCollector) setConnectionsOpen(shard string, n int) {
	m.connectionsOpen.WithLabelValues(shard).Set(float64(n))
}

// handler returns the Prometheus exposition endpoint dashboards scrape.
func (m *metricsCollector) handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
