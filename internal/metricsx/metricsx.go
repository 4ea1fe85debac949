// Package metricsx adapts github.com/r2northstar/atlas's pkg/metricsx
// geohash-bucketed counters to AtlasNet's domain: a per-node metrics Set
// served on the debug /metrics route, and a geohash-bucketed position
// counter built on github.com/mmcloughlin/geohash. No node creates a
// PositionCounter; only this package's tests do.
//
// World positions are planar (X, Z) rather than geographic (lat, lng); we
// feed X as latitude and Z as longitude into the geohash encoder, which
// only cares that both inputs are bounded floats — the resulting buckets
// still partition the plane the same way a map tile grid would.
package metricsx

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
	"github.com/mmcloughlin/geohash"
)

// Set is the process-wide metrics registry for one node, grounded on
// VictoriaMetrics/metrics.Set.
type Set struct {
	*metrics.Set
}

// NewSet creates an empty metrics set.
func NewSet() *Set {
	return &Set{Set: metrics.NewSet()}
}

// WritePrometheus writes every registered metric in Prometheus text
// exposition format, mounted by each node's debug HTTP surface.
func (s *Set) WritePrometheus(w io.Writer) {
	s.Set.WritePrometheus(w)
}

// PositionCounter buckets entity positions by geohash precision level,
// grounded on the teacher's GeoCounter2: one counter per geohash integer
// encoding, held in a map keyed by that encoding.
type PositionCounter struct {
	level uint
	name  string
	set   *metrics.Set
	ctr   map[uint64]*metrics.Counter
}

// NewPositionCounter creates a PositionCounter at the given geohash
// precision (number of base-32 characters; 2 gives 1024 buckets, enough to
// distinguish AtlasNet's default 2x2 grid heuristic's quadrants several
// levels deeper).
func NewPositionCounter(set *Set, name string, level uint) *PositionCounter {
	return &PositionCounter{level: level, name: name, set: set.Set, ctr: make(map[uint64]*metrics.Counter)}
}

// Inc increments the bucket containing (x, z).
func (c *PositionCounter) Inc(x, z float32) {
	h := geohash.EncodeIntWithPrecision(float64(x), float64(z), c.level*5)
	ctr, ok := c.ctr[h]
	if !ok {
		ctr = c.set.NewCounter(c.name + `{geohash="` + geohash.EncodeWithPrecision(float64(x), float64(z), c.level) + `"}`)
		c.ctr[h] = ctr
	}
	ctr.Inc()
}

// Names for the counters AtlasNet nodes register; kept here so every
// package publishing telemetry uses the same metric name.
const (
	NameEntitiesTracked    = "atlasnet_entities_tracked"
	NameTransfersPending   = "atlasnet_transfers_pending"
	NamePacketsSent        = "atlasnet_interlink_packets_sent"
	NamePacketsRecv        = "atlasnet_interlink_packets_recv"
	NameDroppedMalformed   = "atlasnet_interlink_dropped_malformed"
	NameHealthFailures     = "atlasnet_health_failures_total"
)
