package netdebug

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/atlasnet/atlasnet/internal/codec"
	"github.com/atlasnet/atlasnet/internal/interlink"
	"github.com/atlasnet/atlasnet/internal/metricsx"
)

type stubPacket struct{}

func (stubPacket) TypeID() uint32                      { return interlink.FNV1a32("StubPacket") }
func (stubPacket) MarshalBody(w *codec.Writer)          {}
func (stubPacket) UnmarshalBody(r *codec.Reader) error  { return nil }
func (stubPacket) Validate() error                      { return nil }

func TestPacketRegistryHandlerDumpsRegisteredTypes(t *testing.T) {
	reg := interlink.NewRegistry()
	reg.Register("StubPacket", func() interlink.Packet { return stubPacket{} })

	req := httptest.NewRequest("GET", "/debug/packets", nil)
	rec := httptest.NewRecorder()
	PacketRegistryHandler(reg).ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got []interlink.RegisteredPacket
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(got) != 1 || got[0].Name != "StubPacket" {
		t.Fatalf("expected 1 entry named StubPacket, got %+v", got)
	}
}

func TestNewDebugMuxServesPprofAndPackets(t *testing.T) {
	reg := interlink.NewRegistry()
	mux := NewDebugMux(reg)

	req := httptest.NewRequest("GET", "/debug/packets", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Errorf("expected /debug/packets to be mounted, got status %d", rec.Code)
	}

	req2 := httptest.NewRequest("GET", "/debug/pprof/cmdline", nil)
	rec2 := httptest.NewRecorder()
	mux.ServeHTTP(rec2, req2)
	if rec2.Code != 200 {
		t.Errorf("expected /debug/pprof/cmdline to be mounted, got status %d", rec2.Code)
	}
}

func TestNewMuxAddsMetricsRoute(t *testing.T) {
	reg := interlink.NewRegistry()
	set := metricsx.NewSet()
	set.NewCounter("atlasnet_test_metric").Inc()
	mux := NewMux(reg, set)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("expected /metrics to be mounted, got status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "atlasnet_test_metric") {
		t.Errorf("expected metric name in /metrics output, got:\n%s", rec.Body.String())
	}
}
