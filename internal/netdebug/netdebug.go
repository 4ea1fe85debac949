// Package netdebug exposes the operator-facing debug HTTP surface every
// AtlasNet node mounts: pprof, the packet registry introspection dump, and
// a Prometheus metrics endpoint, grounded on
// github.com/r2northstar/atlas's cmd/atlas/main.go debug mux wiring
// (pprof handlers plus a component-specific dbg.Handle route). NewMux's
// metrics endpoint writes an internal/metricsx Set; cartographnode mounts
// its own promhttp handler on a NewDebugMux instead.
package netdebug

import (
	"encoding/json"
	"net/http"
	"net/http/pprof"

	"github.com/atlasnet/atlasnet/internal/interlink"
	"github.com/atlasnet/atlasnet/internal/metricsx"
)

// NewMux builds the debug mux for one node: pprof under /debug/pprof/, the
// packet registry dump at /debug/packets, and Prometheus metrics at
// /metrics.
func NewMux(reg *interlink.Registry, set *metricsx.Set) *http.ServeMux {
	mux := NewDebugMux(reg)
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		set.WritePrometheus(w)
	})
	return mux
}

// NewDebugMux builds the pprof and packet registry routes without a
// /metrics route, for callers (cartographnode) that mount their own
// metrics exposition handler.
func NewDebugMux(reg *interlink.Registry) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	mux.Handle("/debug/packets", PacketRegistryHandler(reg))

	return mux
}

// PacketRegistryHandler dumps every registered packet type as JSON,
// following the teacher's nspkt.DebugMonitorHandler's "dump current state
// as the response body" shape.
func PacketRegistryHandler(reg *interlink.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(reg.Describe())
	})
}
