package ewexport

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func gatherValues(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	values := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				values[mf.GetName()] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[mf.GetName()] = m.GetGauge().GetValue()
			}
		}
	}
	return values
}

func TestCollector(t *testing.T) {
	e := newTestExporter(t, MaxTraceBufSizeOption(TraceBufHeaderSize+4*8000), withoutHeartbeats)

	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector(e, "ew")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	values := gatherValues(t, reg)
	if values["ew_export_client_connected"] != 0 {
		t.Errorf("client_connected = %v, want 0", values["ew_export_client_connected"])
	}

	c := dialConsumer(t, e)
	defer c.conn.Close()

	if err := e.Export(context.Background(), newTestTraceBuf(14000, 100)); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	values = gatherValues(t, reg)
	want := map[string]float64{
		"ew_export_tracebufs_sent_total":  2,
		"ew_export_tracebufs_split_total": 1,
		"ew_export_heartbeats_sent_total": 1,
		"ew_export_client_connected":      1,
	}
	for name, v := range want {
		if values[name] != v {
			t.Errorf("%s = %v, want %v", name, values[name], v)
		}
	}
}

func TestCollector_Describe(t *testing.T) {
	e := newTestExporter(t)

	ch := make(chan *prometheus.Desc, 8)
	NewCollector(e, "ew").Describe(ch)
	close(ch)

	n := 0
	for range ch {
		n++
	}
	if n != 4 {
		t.Errorf("described %d metrics, want 4", n)
	}
}
