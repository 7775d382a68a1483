package store

import (
	"bytes"
	"strings"
	"testing"

	"packsim/internal/pack"
	"packsim/internal/sim"
	"packsim/internal/transport"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewCreatesStore(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	defer s.Close()
}

func TestCreateAndQuerySession(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreateSession("sess-1", "xbb", 42, "thermal-abuse"); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	sessions, err := s.QuerySessions()
	if err != nil {
		t.Fatalf("QuerySessions failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	if sessions[0].ID != "sess-1" {
		t.Errorf("expected ID sess-1, got %s", sessions[0].ID)
	}
	if sessions[0].Protocol != "xbb" {
		t.Errorf("expected protocol xbb, got %s", sessions[0].Protocol)
	}
	if sessions[0].Seed != 42 {
		t.Errorf("expected seed 42, got %d", sessions[0].Seed)
	}
	if sessions[0].Status != "running" {
		t.Errorf("expected status running, got %s", sessions[0].Status)
	}
	if sessions[0].FinishedAt != nil {
		t.Errorf("expected nil FinishedAt, got %v", sessions[0].FinishedAt)
	}
}

func TestFinishSession(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreateSession("sess-1", "xbb", 42, ""); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := s.FinishSession("sess-1", "completed", "360 frames, SOC 49.5%"); err != nil {
		t.Fatalf("FinishSession failed: %v", err)
	}

	sess, err := s.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.Status != "completed" {
		t.Errorf("expected status completed, got %s", sess.Status)
	}
	if sess.Summary != "360 frames, SOC 49.5%" {
		t.Errorf("unexpected summary %q", sess.Summary)
	}
	if sess.FinishedAt == nil {
		t.Error("expected non-nil FinishedAt after finishing")
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)

	sess, err := s.GetSession("nonexistent")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if sess != nil {
		t.Errorf("expected nil for unknown ID, got %+v", sess)
	}
}

func TestRecordAndQuerySamples(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreateSession("sess-1", "xbb", 1, ""); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := s.RecordSample(Sample{
		SessionID: "sess-1", TimeSec: 0.1, PackMV: 52800, PackMA: 50000,
		SOCPct: 49.99, MinCellMV: 3290, MaxCellMV: 3305, MaxCellTempC: 32.4,
		ImbalanceMV: 15, Gated: false, FramesSent: 1,
	}); err != nil {
		t.Fatalf("RecordSample failed: %v", err)
	}
	if err := s.RecordSample(Sample{
		SessionID: "sess-1", TimeSec: 0.2, PackMV: 52790, PackMA: 0,
		SOCPct: 49.98, MinCellMV: 3289, MaxCellMV: 3305, MaxCellTempC: 32.5,
		ImbalanceMV: 16, Gated: true, FramesSent: 2, DecodeErrors: 1,
	}); err != nil {
		t.Fatalf("RecordSample failed: %v", err)
	}

	samples, err := s.QuerySamples("sess-1")
	if err != nil {
		t.Fatalf("QuerySamples failed: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(samples))
	}
	if samples[0].TimeSec != 0.1 {
		t.Errorf("expected first sample at 0.1s, got %g", samples[0].TimeSec)
	}
	if samples[0].Gated {
		t.Error("expected first sample ungated")
	}
	if !samples[1].Gated {
		t.Error("expected second sample gated")
	}
	if samples[1].DecodeErrors != 1 {
		t.Errorf("expected 1 decode error, got %d", samples[1].DecodeErrors)
	}
}

func TestQuerySamplesEmptyForUnknownSession(t *testing.T) {
	s := newTestStore(t)

	samples, err := s.QuerySamples("nonexistent")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if samples == nil {
		t.Fatal("expected non-nil empty slice, got nil")
	}
	if len(samples) != 0 {
		t.Errorf("expected 0 samples, got %d", len(samples))
	}
}

func TestRecordAndQueryFaultEvents(t *testing.T) {
	s := newTestStore(t)
	s.CreateSession("sess-1", "xbb", 1, "shorts")

	if err := s.RecordFaultEvent("sess-1", "f-1", "internal_short_circuit_hard", "injected", 0); err != nil {
		t.Fatalf("RecordFaultEvent failed: %v", err)
	}
	if err := s.RecordFaultEvent("sess-1", "f-1", "internal_short_circuit_hard", "activated", 12.5); err != nil {
		t.Fatalf("RecordFaultEvent failed: %v", err)
	}

	events, err := s.QueryFaultEvents("sess-1")
	if err != nil {
		t.Fatalf("QueryFaultEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Event != "injected" {
		t.Errorf("expected injected first, got %s", events[0].Event)
	}
	if events[1].AtSec != 12.5 {
		t.Errorf("expected activation at 12.5s, got %g", events[1].AtSec)
	}
}

func TestSampleFromSnapshot(t *testing.T) {
	snap := sim.Snapshot{
		TimeSec:     3.5,
		EffectiveMA: 50000,
		Gated:       true,
		Transport:   transport.Counters{FramesSent: 35, DecodeErrors: 2},
	}
	snap.Pack = pack.Snapshot{
		PackVoltageMV: 52800,
		PackSOCPct:    48.2,
		ImbalanceMV:   20,
	}
	for i := range snap.Pack.CellVoltagesMV {
		snap.Pack.CellVoltagesMV[i] = 3300
		snap.Pack.CellTempsC[i] = 32
	}
	snap.Pack.CellVoltagesMV[4] = 3100
	snap.Pack.CellVoltagesMV[9] = 3350
	snap.Pack.CellTempsC[7] = 41.5

	m := SampleFromSnapshot("sess-1", snap)
	if m.SessionID != "sess-1" || m.TimeSec != 3.5 {
		t.Fatalf("identity fields wrong: %+v", m)
	}
	if m.MinCellMV != 3100 || m.MaxCellMV != 3350 {
		t.Errorf("min/max cell mV = %d/%d, want 3100/3350", m.MinCellMV, m.MaxCellMV)
	}
	if m.MaxCellTempC != 41.5 {
		t.Errorf("max temp %g, want 41.5", m.MaxCellTempC)
	}
	if !m.Gated || m.FramesSent != 35 || m.DecodeErrors != 2 {
		t.Errorf("transport fields wrong: %+v", m)
	}
}

func TestDeleteSession(t *testing.T) {
	s := newTestStore(t)
	s.CreateSession("sess-1", "xbb", 1, "")
	s.RecordSample(Sample{SessionID: "sess-1", TimeSec: 0.1})
	s.RecordFaultEvent("sess-1", "f-1", "cell_open_circuit", "injected", 0)

	if err := s.DeleteSession("sess-1"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}

	sess, err := s.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess != nil {
		t.Error("expected nil session after delete")
	}
	samples, _ := s.QuerySamples("sess-1")
	if len(samples) != 0 {
		t.Error("expected no samples after delete")
	}
	events, _ := s.QueryFaultEvents("sess-1")
	if len(events) != 0 {
		t.Error("expected no fault events after delete")
	}
}

func TestExportCSV(t *testing.T) {
	s := newTestStore(t)
	s.CreateSession("sess-1", "xbb", 1, "")
	s.RecordSample(Sample{
		SessionID: "sess-1", TimeSec: 0.1, PackMV: 52800, PackMA: 50000,
		SOCPct: 49.99, MinCellMV: 3290, MaxCellMV: 3305, MaxCellTempC: 32.4,
		ImbalanceMV: 15, FramesSent: 1,
	})

	var buf bytes.Buffer
	if err := s.ExportCSV("sess-1", &buf); err != nil {
		t.Fatalf("ExportCSV failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header + 1 row, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "time_sec,pack_mv") {
		t.Errorf("unexpected header %q", lines[0])
	}
	if !strings.Contains(lines[1], "3290") || !strings.Contains(lines[1], "3305") {
		t.Errorf("row missing cell extremes: %q", lines[1])
	}
}

func TestCloseSucceeds(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}
