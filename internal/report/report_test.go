package report

import (
	"bytes"
	"testing"

	"packsim/internal/store"
)

func seededStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.CreateSession("sess-1", "xbb", 42, "thermal-abuse"); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	st.RecordSample(store.Sample{
		SessionID: "sess-1", TimeSec: 0.1, PackMV: 52800, PackMA: 50000,
		SOCPct: 50.0, MinCellMV: 3290, MaxCellMV: 3305, MaxCellTempC: 32.4,
		ImbalanceMV: 15, FramesSent: 1,
	})
	st.RecordSample(store.Sample{
		SessionID: "sess-1", TimeSec: 0.2, PackMV: 52500, PackMA: 50000,
		SOCPct: 49.9, MinCellMV: 3250, MaxCellMV: 3305, MaxCellTempC: 45.0,
		ImbalanceMV: 55, Gated: true, FramesSent: 2,
	})
	st.RecordFaultEvent("sess-1", "f-1", "thermal_runaway", "injected", 0)
	st.RecordFaultEvent("sess-1", "f-1", "thermal_runaway", "activated", 0.15)
	st.FinishSession("sess-1", "completed", "ended at 49.9% SOC")
	return st
}

func TestGeneratePDF(t *testing.T) {
	st := seededStore(t)

	var buf bytes.Buffer
	if err := GeneratePDF(&buf, st, "sess-1"); err != nil {
		t.Fatalf("GeneratePDF failed: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("empty PDF output")
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("%PDF")) {
		t.Errorf("output does not start with %%PDF header: %q", buf.Bytes()[:8])
	}
}

func TestGeneratePDFUnknownSession(t *testing.T) {
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New failed: %v", err)
	}
	defer st.Close()

	var buf bytes.Buffer
	if err := GeneratePDF(&buf, st, "nonexistent"); err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestExtremes(t *testing.T) {
	samples := []store.Sample{
		{PackMV: 52800, MinCellMV: 3290, MaxCellTempC: 32, ImbalanceMV: 10},
		{PackMV: 51000, MinCellMV: 3100, MaxCellTempC: 60, ImbalanceMV: 40, Gated: true},
		{PackMV: 53000, MinCellMV: 3200, MaxCellTempC: 45, ImbalanceMV: 20, Gated: true},
	}
	ext := extremes(samples)
	if ext.minPackMV != 51000 || ext.maxPackMV != 53000 {
		t.Errorf("pack extremes %g/%g", ext.minPackMV, ext.maxPackMV)
	}
	if ext.minCellMV != 3100 {
		t.Errorf("min cell %d", ext.minCellMV)
	}
	if ext.maxTempC != 60 {
		t.Errorf("max temp %g", ext.maxTempC)
	}
	if ext.maxImbalanceMV != 40 {
		t.Errorf("max imbalance %g", ext.maxImbalanceMV)
	}
	if ext.gatedTicks != 2 {
		t.Errorf("gated ticks %d", ext.gatedTicks)
	}
}
